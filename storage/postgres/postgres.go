// Package postgres provides a PostgreSQL implementation of the billing
// storage interfaces. Member updates run in a transaction holding the
// member row lock (SELECT ... FOR UPDATE), which serializes concurrent
// webhook deliveries for the same member.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/membermatters/billing/pkg/billing"
)

// Storage implements billing.MemberStore, billing.Catalog,
// billing.AccessControl, billing.AuditLog and billing.Claimer.
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup of expired claims
	CleanupEnabled  bool
	CleanupInterval time.Duration

	Logger billing.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter. The schema must already be
// migrated (see MigrateUp).
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close closes the connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const memberColumns = `id, email, full_name, phone,
	stripe_customer_id, stripe_payment_method_id, stripe_card_last_digits, stripe_card_expiry,
	stripe_subscription_id, COALESCE(membership_plan_id, ''), subscription_status, state,
	last_induction, access_card, access_enabled, updated_at`

func scanMember(row pgx.Row) (*billing.Member, error) {
	var m billing.Member
	var status, state string
	err := row.Scan(
		&m.ID, &m.Email, &m.FullName, &m.Phone,
		&m.ProviderCustomerID, &m.PaymentMethodID, &m.CardLastDigits, &m.CardExpiry,
		&m.SubscriptionID, &m.MembershipPlanID, &status, &state,
		&m.LastInductionDate, &m.AccessCard, &m.AccessEnabled, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.SubscriptionStatus = billing.SubscriptionStatus(status)
	m.State = billing.MemberState(state)
	return &m, nil
}

// GetMember implements billing.MemberStore
func (s *Storage) GetMember(ctx context.Context, id string) (*billing.Member, error) {
	m, err := scanMember(s.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// GetMemberByCustomerID implements billing.MemberStore
func (s *Storage) GetMemberByCustomerID(ctx context.Context, customerID string) (*billing.Member, error) {
	if customerID == "" {
		return nil, billing.ErrMemberNotFound
	}
	m, err := scanMember(s.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE stripe_customer_id = $1 LIMIT 1`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member by customer: %w", err)
	}
	return m, nil
}

// UpdateMember implements billing.MemberStore. The member row stays locked
// until fn returns and the update commits.
func (s *Storage) UpdateMember(ctx context.Context, id string, fn func(*billing.Member) error) (*billing.Member, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	current, err := scanMember(tx.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock member: %w", err)
	}

	next := *current
	if err := fn(&next); err != nil {
		if errors.Is(err, billing.ErrNoChange) {
			return current, err
		}
		return nil, err
	}
	next.ID = id
	next.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx,
		`UPDATE members SET
			email = $2, full_name = $3, phone = $4,
			stripe_customer_id = $5, stripe_payment_method_id = $6,
			stripe_card_last_digits = $7, stripe_card_expiry = $8,
			stripe_subscription_id = $9, membership_plan_id = NULLIF($10, ''),
			subscription_status = $11, state = $12, last_induction = $13,
			access_card = $14, access_enabled = $15, updated_at = $16
			WHERE id = $1`,
		id, next.Email, next.FullName, next.Phone,
		next.ProviderCustomerID, next.PaymentMethodID,
		next.CardLastDigits, next.CardExpiry,
		next.SubscriptionID, next.MembershipPlanID,
		string(next.SubscriptionStatus), string(next.State), next.LastInductionDate,
		next.AccessCard, next.AccessEnabled, next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update member: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &next, nil
}

// ListSubscribedMembers implements billing.MemberStore
func (s *Storage) ListSubscribedMembers(ctx context.Context) ([]*billing.Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM members WHERE stripe_subscription_id <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribed members: %w", err)
	}
	defer rows.Close()

	out := make([]*billing.Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutMember inserts or replaces a member. It is used for seeding and by
// the host application when members register.
func (s *Storage) PutMember(ctx context.Context, m *billing.Member) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("invalid member")
	}
	status := m.SubscriptionStatus
	if status == "" {
		status = billing.SubscriptionNone
	}
	state := m.State
	if state == "" {
		state = billing.StateNoob
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO members (id, email, full_name, phone,
				stripe_customer_id, stripe_payment_method_id, stripe_card_last_digits, stripe_card_expiry,
				stripe_subscription_id, membership_plan_id, subscription_status, state,
				last_induction, access_card, access_enabled, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				full_name = EXCLUDED.full_name,
				phone = EXCLUDED.phone,
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				stripe_payment_method_id = EXCLUDED.stripe_payment_method_id,
				stripe_card_last_digits = EXCLUDED.stripe_card_last_digits,
				stripe_card_expiry = EXCLUDED.stripe_card_expiry,
				stripe_subscription_id = EXCLUDED.stripe_subscription_id,
				membership_plan_id = EXCLUDED.membership_plan_id,
				subscription_status = EXCLUDED.subscription_status,
				state = EXCLUDED.state,
				last_induction = EXCLUDED.last_induction,
				access_card = EXCLUDED.access_card,
				access_enabled = EXCLUDED.access_enabled,
				updated_at = EXCLUDED.updated_at`,
		m.ID, m.Email, m.FullName, m.Phone,
		m.ProviderCustomerID, m.PaymentMethodID, m.CardLastDigits, m.CardExpiry,
		m.SubscriptionID, m.MembershipPlanID, string(status), string(state),
		m.LastInductionDate, m.AccessCard, m.AccessEnabled, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put member: %w", err)
	}
	return nil
}

// startCleanup deletes expired claims every CleanupInterval until ctx is done
func (s *Storage) startCleanup(ctx context.Context) {
	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Warn("claim cleanup failed", billing.F("error", err))
			}
		}
	}
}

// Cleanup deletes expired claims. It runs periodically when CleanupEnabled
// is set and can be called manually.
func (s *Storage) Cleanup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM claims WHERE expires_at IS NOT NULL AND expires_at < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup claims: %w", err)
	}
	return nil
}
