package engine

import (
	"sync"

	"github.com/google/uuid"
)

// CascadeIDGenerator names each user action that produces remote writes.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type CascadeIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 cascade identities, so the
// saga log sorts in creation order.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined cascade identities for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, to catch a test that performs more
// actions than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// newInvitationToken returns the key of a new invitation. Tokens are
// generated locally and echoed by the server, so they are never temporary.
func newInvitationToken() string {
	return uuid.NewString()
}
