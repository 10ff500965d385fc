package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCascadeNotFound is returned by Cascade for an unknown id.
var ErrCascadeNotFound = errors.New("cascade not found")

// Cascade is one user action and the remote writes it produced.
type Cascade struct {
	ID        string
	Action    string
	CreatedAt time.Time
	Steps     []Op
}

// Outcome summarizes the steps:
//   - PENDING: at least one step is still waiting for delivery
//   - PARTIAL: some steps are dead while others were delivered
//   - FAILED: every non-cancelled step is dead
//   - DONE: every step was delivered or cancelled
func (c Cascade) Outcome() string {
	var sent, dead int
	for _, s := range c.Steps {
		switch {
		case s.Unsent():
			return "PENDING"
		case s.Status == StatusDead:
			dead++
		case s.Status == StatusSent:
			sent++
		}
	}
	switch {
	case dead > 0 && sent > 0:
		return "PARTIAL"
	case dead > 0:
		return "FAILED"
	default:
		return "DONE"
	}
}

// Cascade reads one cascade with its steps in enqueue order.
func (s *Store) Cascade(ctx context.Context, id string) (Cascade, error) {
	var (
		c       Cascade
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, action, created_at FROM cascades WHERE id = ?`, id).
		Scan(&c.ID, &c.Action, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Cascade{}, fmt.Errorf("cascade %s: %w", id, ErrCascadeNotFound)
	}
	if err != nil {
		return Cascade{}, fmt.Errorf("read cascade %s: %w", id, err)
	}
	c.CreatedAt = time.UnixMilli(created).UTC()

	c.Steps, err = s.queryOps(ctx, `SELECT `+opColumns+` FROM outbox WHERE cascade_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return Cascade{}, err
	}
	return c, nil
}

// ListCascades returns the most recent cascades, newest first, with their
// steps.
func (s *Store) ListCascades(ctx context.Context, limit int) ([]Cascade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM cascades
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cascades: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan cascade: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate cascades: %w", err)
	}

	// The single connection must be free before reading steps.
	out := make([]Cascade, 0, len(ids))
	for _, id := range ids {
		c, err := s.Cascade(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
