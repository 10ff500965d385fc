// Package engine implements the ledger sync engine: an offline-first read
// model of every collection, the optimistic mutations that change it, and
// the outbox dispatcher that delivers those changes to the remote service.
//
// ARCHITECTURE:
//
// Optimistic commit:
// A mutation validates its draft, applies the change and every cascade it
// implies to the in-memory state, then persists the touched collections
// together with the remote writes it produced in one SQLite transaction.
// If persistence fails, the in-memory change is rolled back. The caller
// never waits for the network.
//
// Delivery:
// Remote writes sit in the outbox until Run or Flush delivers them. Ops on
// the same record are delivered in commit order. An op whose payload still
// references a temporary identity waits until the create that owns it has
// been delivered and remapped. Failed deliveries back off exponentially and
// stop at RetryPolicy.MaxAttempts.
//
// Reconciliation:
// A delivered create swaps its temporary identity for the server's in the
// record, in every record that references it, and in every queued op.
//
// Resync:
// SyncAll fetches every collection concurrently and replaces each non-empty
// one according to the MergePolicy. An empty or failed fetch keeps the local
// collection.
//
// CRITICAL PATTERNS:
//
// Temporary identities: "{prefix}_{unix millis}" from idClock, strictly
// increasing even within one millisecond.
//
// Cascade identities: every user action that writes remotely gets a UUIDv7
// cascade id recorded with its ops, so partial remote failure is visible per
// action rather than per write.
package engine
