package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OpKind is the shape of a remote write.
type OpKind string

const (
	// OpCreate posts a new record whose target is a temporary identity.
	OpCreate OpKind = "CREATE"
	// OpAction posts a targeted change to an existing record.
	OpAction OpKind = "ACTION"
	// OpDelete removes a record.
	OpDelete OpKind = "DELETE"
)

// OpStatus is the delivery state of an outbox row.
type OpStatus string

const (
	StatusPending   OpStatus = "PENDING"
	StatusFailed    OpStatus = "FAILED"
	StatusSent      OpStatus = "SENT"
	StatusDead      OpStatus = "DEAD"
	StatusCancelled OpStatus = "CANCELLED"
)

// ErrOpNotFound is returned by GetOp for an unknown row.
var ErrOpNotFound = errors.New("outbox op not found")

// Op is one queued remote write.
type Op struct {
	ID            int64
	CascadeID     string
	Kind          OpKind
	Collection    string
	TargetID      string
	Action        string
	Payload       []byte
	Status        OpStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Unsent reports whether the op is still waiting for delivery.
func (o Op) Unsent() bool {
	return o.Status == StatusPending || o.Status == StatusFailed
}

// Batch is everything one user action writes locally.
type Batch struct {
	// Snapshots are the changed collection values, keyed by storage key.
	Snapshots map[string][]byte
	CascadeID string
	// Action names the user action, e.g. "addSale".
	Action string
	Ops    []Op
	At     time.Time
}

// Failure describes an unsuccessful delivery attempt.
type Failure struct {
	Attempts      int
	NextAttemptAt time.Time
	Err           string
	// Dead stops further attempts.
	Dead bool
	At   time.Time
}

// Stats counts outbox rows by status.
type Stats struct {
	Pending   int
	Failed    int
	Sent      int
	Dead      int
	Cancelled int
}

// Unsent is the number of rows still waiting for delivery.
func (s Stats) Unsent() int { return s.Pending + s.Failed }

const unsentStatuses = `('PENDING', 'FAILED')`

// Commit writes the batch's snapshots and enqueues its ops in one
// transaction. It returns one row id per op, in order.
//
// A DELETE whose target still has an unsent CREATE is never enqueued: the
// CREATE and every other unsent op for that target are cancelled instead, and
// the returned id is 0.
func (s *Store) Commit(ctx context.Context, b Batch) ([]int64, error) {
	ids := make([]int64, len(b.Ops))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := putSnapshots(ctx, tx, b.Snapshots, b.At); err != nil {
			return err
		}
		if len(b.Ops) == 0 {
			return nil
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO cascades (id, action, created_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, b.CascadeID, b.Action, b.At.UnixMilli())
		if err != nil {
			return fmt.Errorf("write cascade: %w", err)
		}

		for i, op := range b.Ops {
			if op.Kind == OpDelete {
				cancelled, err := cancelUnsentCreate(ctx, tx, op, b.At)
				if err != nil {
					return err
				}
				if cancelled {
					continue
				}
			}
			id, err := insertOp(ctx, tx, b.CascadeID, op, b.At)
			if err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", b.Action, err)
	}
	return ids, nil
}

// Enqueue adds one op outside of any user action. The dispatcher uses it for
// follow-up writes it discovers while delivering.
func (s *Store) Enqueue(ctx context.Context, op Op, at time.Time) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertOp(ctx, tx, op.CascadeID, op, at)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func insertOp(ctx context.Context, tx *sql.Tx, cascadeID string, op Op, at time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox
		(cascade_id, kind, collection, target_id, action, payload, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'PENDING', 0, ?, ?, ?)
	`,
		cascadeID,
		string(op.Kind),
		op.Collection,
		op.TargetID,
		op.Action,
		string(op.Payload),
		at.UnixMilli(),
		at.UnixMilli(),
		at.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s/%s: %w", op.Kind, op.Collection, op.TargetID, err)
	}
	return res.LastInsertId()
}

func cancelUnsentCreate(ctx context.Context, tx *sql.Tx, op Op, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE outbox SET status = 'CANCELLED', updated_at = ?
		WHERE kind = 'CREATE' AND collection = ? AND target_id = ? AND status IN `+unsentStatuses,
		at.UnixMilli(), op.Collection, op.TargetID)
	if err != nil {
		return false, fmt.Errorf("cancel create %s/%s: %w", op.Collection, op.TargetID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE outbox SET status = 'CANCELLED', updated_at = ?
		WHERE collection = ? AND target_id = ? AND status IN `+unsentStatuses,
		at.UnixMilli(), op.Collection, op.TargetID)
	if err != nil {
		return false, fmt.Errorf("cancel ops for %s/%s: %w", op.Collection, op.TargetID, err)
	}
	return true, nil
}

// DueOps returns the ids of unsent ops whose next attempt is at or before
// now, oldest first.
func (s *Store) DueOps(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM outbox
		WHERE status IN `+unsentStatuses+` AND next_attempt_at <= ?
		ORDER BY id ASC
		LIMIT ?
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due ops: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due op: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due ops: %w", err)
	}
	return ids, nil
}

// NextDue returns the earliest next attempt time among unsent ops.
func (s *Store) NextDue(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM outbox WHERE status IN `+unsentStatuses,
	).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query next due: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(next.Int64).UTC(), true, nil
}

const opColumns = `id, cascade_id, kind, collection, target_id, action, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOp(r rowScanner) (Op, error) {
	var (
		op                     Op
		kind, status, payload  string
		next, created, updated int64
	)
	err := r.Scan(
		&op.ID,
		&op.CascadeID,
		&kind,
		&op.Collection,
		&op.TargetID,
		&op.Action,
		&payload,
		&status,
		&op.Attempts,
		&next,
		&op.LastError,
		&created,
		&updated,
	)
	if err != nil {
		return Op{}, err
	}
	op.Kind = OpKind(kind)
	op.Status = OpStatus(status)
	if payload != "" {
		op.Payload = []byte(payload)
	}
	op.NextAttemptAt = time.UnixMilli(next).UTC()
	op.CreatedAt = time.UnixMilli(created).UTC()
	op.UpdatedAt = time.UnixMilli(updated).UTC()
	return op, nil
}

// GetOp reads one outbox row.
func (s *Store) GetOp(ctx context.Context, id int64) (Op, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM outbox WHERE id = ?`, id)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Op{}, fmt.Errorf("op %d: %w", id, ErrOpNotFound)
	}
	if err != nil {
		return Op{}, fmt.Errorf("read op %d: %w", id, err)
	}
	return op, nil
}

// ListOps returns ops with any of the given statuses, oldest first. With no
// statuses it returns every op.
func (s *Store) ListOps(ctx context.Context, statuses ...OpStatus) ([]Op, error) {
	query := `SELECT ` + opColumns + ` FROM outbox`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY id ASC`
	return s.queryOps(ctx, query, args...)
}

func (s *Store) queryOps(ctx context.Context, query string, args ...any) ([]Op, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	ops := []Op{}
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}
	return ops, nil
}

// UnsentBefore reports whether an older unsent op targets the same record.
func (s *Store) UnsentBefore(ctx context.Context, op Op) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox
		WHERE collection = ? AND target_id = ? AND id < ? AND status IN `+unsentStatuses,
		op.Collection, op.TargetID, op.ID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query earlier ops: %w", err)
	}
	return n > 0, nil
}

// HasUnsentFor reports whether any unsent op other than excludeID targets
// the record.
func (s *Store) HasUnsentFor(ctx context.Context, collection, targetID string, excludeID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox
		WHERE collection = ? AND target_id = ? AND id != ? AND status IN `+unsentStatuses,
		collection, targetID, excludeID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query unsent ops: %w", err)
	}
	return n > 0, nil
}

// CreateStatus returns the status of the most recent CREATE for a temporary
// identity. Temporary identities carry a collection prefix, so the target
// alone is unambiguous.
func (s *Store) CreateStatus(ctx context.Context, tempID string) (OpStatus, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM outbox
		WHERE kind = 'CREATE' AND target_id = ?
		ORDER BY id DESC LIMIT 1
	`, tempID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query create status: %w", err)
	}
	return OpStatus(status), true, nil
}

// UnsentTargets returns the identities in collection that still have an
// unsent CREATE or ACTION queued against them.
func (s *Store) UnsentTargets(ctx context.Context, collection string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT target_id FROM outbox
		WHERE kind IN ('CREATE', 'ACTION') AND collection = ? AND status IN `+unsentStatuses,
		collection)
	if err != nil {
		return nil, fmt.Errorf("query unsent targets: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unsent target: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// MarkSent records a successful delivery and writes any snapshots changed by
// applying the server's response.
func (s *Store) MarkSent(ctx context.Context, id int64, at time.Time, snapshots map[string][]byte) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := markSent(ctx, tx, id, at); err != nil {
			return err
		}
		return putSnapshots(ctx, tx, snapshots, at)
	})
}

func markSent(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'SENT', attempts = attempts + 1, last_error = '', updated_at = ?
		WHERE id = ? AND status IN `+unsentStatuses,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark op %d sent: %w", id, err)
	}
	return nil
}

// CompleteCreate records a delivered CREATE and replaces tempID with
// serverID in every unsent op, both as a target and inside payloads.
func (s *Store) CompleteCreate(ctx context.Context, id int64, tempID, serverID string, at time.Time, snapshots map[string][]byte) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := markSent(ctx, tx, id, at); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE outbox SET target_id = ?, updated_at = ?
			WHERE target_id = ? AND status IN `+unsentStatuses,
			serverID, at.UnixMilli(), tempID)
		if err != nil {
			return fmt.Errorf("remap targets %s: %w", tempID, err)
		}

		// Identities are matched as whole JSON strings.
		_, err = tx.ExecContext(ctx, `
			UPDATE outbox
			SET payload = replace(payload, '"' || ? || '"', '"' || ? || '"'), updated_at = ?
			WHERE status IN `+unsentStatuses+` AND instr(payload, '"' || ? || '"') > 0`,
			tempID, serverID, at.UnixMilli(), tempID)
		if err != nil {
			return fmt.Errorf("remap payloads %s: %w", tempID, err)
		}

		return putSnapshots(ctx, tx, snapshots, at)
	})
}

// MarkFailed records an unsuccessful delivery.
func (s *Store) MarkFailed(ctx context.Context, id int64, f Failure) error {
	status := StatusFailed
	if f.Dead {
		status = StatusDead
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN `+unsentStatuses,
		string(status), f.Attempts, f.NextAttemptAt.UnixMilli(), f.Err, f.At.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark op %d failed: %w", id, err)
	}
	return nil
}

// RequeueDead moves every DEAD op back to PENDING with a fresh attempt
// budget. It returns the number of ops requeued.
func (s *Store) RequeueDead(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'PENDING', attempts = 0, next_attempt_at = ?, updated_at = ?
		WHERE status = 'DEAD'
	`, at.UnixMilli(), at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("requeue dead ops: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts outbox rows by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("query outbox stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scan outbox stats: %w", err)
		}
		switch OpStatus(status) {
		case StatusPending:
			st.Pending = n
		case StatusFailed:
			st.Failed = n
		case StatusSent:
			st.Sent = n
		case StatusDead:
			st.Dead = n
		case StatusCancelled:
			st.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate outbox stats: %w", err)
	}
	return st, nil
}
