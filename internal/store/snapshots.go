package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// GetRaw returns the stored value for key. Missing keys and read failures
// both report false; failures are logged, never returned.
func (s *Store) GetRaw(ctx context.Context, key string) ([]byte, bool) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM snapshots WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("snapshot read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return []byte(value), true
}

// Get decodes the stored value for key into dst. It reports false when the
// key is missing or its value is malformed; a malformed value is logged and
// dst is left untouched.
func (s *Store) Get(ctx context.Context, key string, dst any) bool {
	raw, ok := s.GetRaw(ctx, key)
	if !ok {
		return false
	}
	if !json.Valid(raw) {
		s.logger.Warn("snapshot malformed, ignoring", zap.String("key", key))
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("snapshot malformed, ignoring", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set stores the JSON encoding of value under key.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("set %s: encode: %w", key, err)
	}
	return s.SetRaw(ctx, key, data)
}

// SetRaw stores value under key as-is.
func (s *Store) SetRaw(ctx context.Context, key string, value []byte) error {
	return s.SetMany(ctx, map[string][]byte{key: value})
}

// SetMany stores every value in one transaction.
func (s *Store) SetMany(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return putSnapshots(ctx, tx, values, time.Now())
	})
}

// Keys returns every stored snapshot key in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM snapshots ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan snapshot key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot keys: %w", err)
	}
	return keys, nil
}

func putSnapshots(ctx context.Context, tx *sql.Tx, values map[string][]byte, now time.Time) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, k, string(values[k]), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("write snapshot %s: %w", k, err)
		}
	}
	return nil
}
