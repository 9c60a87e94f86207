package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/membermatters/billing/pkg/billing"
)

// DefaultDoors implements billing.AccessControl
func (s *Storage) DefaultDoors(ctx context.Context) ([]billing.Door, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, all_members FROM doors WHERE all_members ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list doors: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Door, error) {
		var d billing.Door
		err := row.Scan(&d.ID, &d.Name, &d.AllMembers)
		return d, err
	})
}

// DefaultInterlocks implements billing.AccessControl
func (s *Storage) DefaultInterlocks(ctx context.Context) ([]billing.Interlock, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, all_members FROM interlocks WHERE all_members ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list interlocks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.Interlock, error) {
		var i billing.Interlock
		err := row.Scan(&i.ID, &i.Name, &i.AllMembers)
		return i, err
	})
}

// GrantDoor implements billing.AccessControl
func (s *Storage) GrantDoor(ctx context.Context, memberID, doorID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO member_doors (member_id, door_id) VALUES ($1, $2)
			ON CONFLICT (member_id, door_id) DO NOTHING`, memberID, doorID)
	if err != nil {
		return fmt.Errorf("failed to grant door %s: %w", doorID, err)
	}
	return nil
}

// GrantInterlock implements billing.AccessControl
func (s *Storage) GrantInterlock(ctx context.Context, memberID, interlockID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO member_interlocks (member_id, interlock_id) VALUES ($1, $2)
			ON CONFLICT (member_id, interlock_id) DO NOTHING`, memberID, interlockID)
	if err != nil {
		return fmt.Errorf("failed to grant interlock %s: %w", interlockID, err)
	}
	return nil
}

// PutDoor inserts or replaces a door.
func (s *Storage) PutDoor(ctx context.Context, d billing.Door) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO doors (id, name, all_members) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, all_members = EXCLUDED.all_members`,
		d.ID, d.Name, d.AllMembers)
	if err != nil {
		return fmt.Errorf("failed to put door: %w", err)
	}
	return nil
}

// PutInterlock inserts or replaces an interlock.
func (s *Storage) PutInterlock(ctx context.Context, i billing.Interlock) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO interlocks (id, name, all_members) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, all_members = EXCLUDED.all_members`,
		i.ID, i.Name, i.AllMembers)
	if err != nil {
		return fmt.Errorf("failed to put interlock: %w", err)
	}
	return nil
}

// DoorGrants returns the door ids granted to a member.
func (s *Storage) DoorGrants(ctx context.Context, memberID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT door_id FROM member_doors WHERE member_id = $1 ORDER BY door_id`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list door grants: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// InterlockGrants returns the interlock ids granted to a member.
func (s *Storage) InterlockGrants(ctx context.Context, memberID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT interlock_id FROM member_interlocks WHERE member_id = $1 ORDER BY interlock_id`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interlock grants: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
