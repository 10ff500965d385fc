package store

import (
	"path/filepath"
	"testing"
	"time"
)

// createTestStore opens a fresh store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func createOp(collection, target string, payload string) Op {
	return Op{Kind: OpCreate, Collection: collection, TargetID: target, Payload: []byte(payload)}
}

func actionOp(collection, target, action string, payload string) Op {
	return Op{Kind: OpAction, Collection: collection, TargetID: target, Action: action, Payload: []byte(payload)}
}
