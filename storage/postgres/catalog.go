package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/membermatters/billing/pkg/billing"
)

const planColumns = `id, name, stripe_price_id, tier_id, visible, cost, currency, interval_unit`

func scanPlan(row pgx.Row) (billing.PaymentPlan, error) {
	var p billing.PaymentPlan
	err := row.Scan(&p.ID, &p.Name, &p.ProviderPriceID, &p.TierID, &p.Visible, &p.Cost, &p.Currency, &p.Interval)
	return p, err
}

// GetPlan implements billing.Catalog
func (s *Storage) GetPlan(ctx context.Context, id string) (*billing.PaymentPlan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM payment_plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &p, nil
}

// ListVisibleTiers implements billing.Catalog
func (s *Storage) ListVisibleTiers(ctx context.Context) ([]billing.MemberTier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, stripe_product_id, visible, featured
			FROM member_tiers WHERE visible ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	tiers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.MemberTier, error) {
		var t billing.MemberTier
		err := row.Scan(&t.ID, &t.Name, &t.Description, &t.ProviderProductID, &t.Visible, &t.Featured)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan tiers: %w", err)
	}
	if len(tiers) == 0 {
		return tiers, nil
	}

	ids := make([]string, len(tiers))
	index := make(map[string]int, len(tiers))
	for i, t := range tiers {
		ids[i] = t.ID
		index[t.ID] = i
		tiers[i].Plans = make([]billing.PaymentPlan, 0)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT `+planColumns+` FROM payment_plans
			WHERE visible AND tier_id = ANY($1) ORDER BY cost, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	plans, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.PaymentPlan, error) {
		return scanPlan(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan plans: %w", err)
	}
	for _, p := range plans {
		i := index[p.TierID]
		tiers[i].Plans = append(tiers[i].Plans, p)
	}
	return tiers, nil
}

// TierByProductID implements billing.Catalog
func (s *Storage) TierByProductID(ctx context.Context, productID string) (*billing.MemberTier, error) {
	if productID == "" {
		return nil, billing.ErrTierNotFound
	}
	var t billing.MemberTier
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, stripe_product_id, visible, featured
			FROM member_tiers WHERE stripe_product_id = $1`, productID).
		Scan(&t.ID, &t.Name, &t.Description, &t.ProviderProductID, &t.Visible, &t.Featured)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrTierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier: %w", err)
	}
	return &t, nil
}

// PutTier inserts or replaces a tier and its plans in one transaction.
func (s *Storage) PutTier(ctx context.Context, t billing.MemberTier) error {
	if t.ID == "" {
		return fmt.Errorf("invalid tier")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO member_tiers (id, name, description, stripe_product_id, visible, featured)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				stripe_product_id = EXCLUDED.stripe_product_id,
				visible = EXCLUDED.visible,
				featured = EXCLUDED.featured`,
		t.ID, t.Name, t.Description, t.ProviderProductID, t.Visible, t.Featured)
	if err != nil {
		return fmt.Errorf("failed to put tier: %w", err)
	}

	for _, p := range t.Plans {
		_, err = tx.Exec(ctx,
			`INSERT INTO payment_plans (id, tier_id, name, stripe_price_id, visible, cost, currency, interval_unit)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO UPDATE SET
					tier_id = EXCLUDED.tier_id,
					name = EXCLUDED.name,
					stripe_price_id = EXCLUDED.stripe_price_id,
					visible = EXCLUDED.visible,
					cost = EXCLUDED.cost,
					currency = EXCLUDED.currency,
					interval_unit = EXCLUDED.interval_unit`,
			p.ID, t.ID, p.Name, p.ProviderPriceID, p.Visible, p.Cost, p.Currency, p.Interval)
		if err != nil {
			return fmt.Errorf("failed to put plan %s: %w", p.ID, err)
		}
	}
	return tx.Commit(ctx)
}
