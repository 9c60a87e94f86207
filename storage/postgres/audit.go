package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/membermatters/billing/pkg/billing"
)

// Record implements billing.AuditLog
func (s *Storage) Record(ctx context.Context, event billing.AuditEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, member_id, kind, description, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.MemberID, event.Kind, event.Description, event.Data, createdAt)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// AuditEvents returns a member's audit events, oldest first.
func (s *Storage) AuditEvents(ctx context.Context, memberID string) ([]billing.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, member_id, kind, description, data, created_at
			FROM audit_events WHERE member_id = $1 ORDER BY created_at, id`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.AuditEvent, error) {
		var e billing.AuditEvent
		err := row.Scan(&e.ID, &e.MemberID, &e.Kind, &e.Description, &e.Data, &e.CreatedAt)
		return e, err
	})
}

// Claim implements billing.Claimer. An expired claim is taken over in the
// same statement; a zero ttl never expires.
func (s *Storage) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	var claimed string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO claims (key, expires_at) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
				WHERE claims.expires_at IS NOT NULL AND claims.expires_at < NOW()
			RETURNING key`, key, expiresAt).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return true, nil
}

// Release implements billing.Claimer
func (s *Storage) Release(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM claims WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}
