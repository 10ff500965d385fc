// Package store is the SQLite-backed local snapshot store.
//
// It holds three things:
//   - Snapshots: one JSON value per collection key, plus the last sync time
//   - Outbox: remote writes that have not been confirmed yet
//   - Cascades: the user action each group of outbox rows came from
//
// Snapshot writes and outbox inserts for one user action commit in a single
// transaction, so a crash never leaves local state ahead of its queued remote
// writes.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
