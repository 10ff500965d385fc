package engine

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/roach88/ledgersync/internal/ledger"
)

// idClock stamps temporary identities with strictly increasing unix
// milliseconds. Two records created in the same millisecond get consecutive
// stamps, so temporary identities never collide.
//
// Thread-safety: idClock is safe for concurrent use (atomic operations).
type idClock struct {
	last atomic.Int64
}

// Next returns a stamp greater than every previous stamp and no earlier
// than now.
func (c *idClock) Next(now time.Time) int64 {
	ms := now.UnixMilli()
	for {
		last := c.last.Load()
		next := ms
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Observe advances the clock past the stamp of a temporary identity loaded
// from storage, so identities minted after a restart never reuse one.
func (c *idClock) Observe(id string) {
	if !ledger.IsTempID(id) {
		return
	}
	ms, err := strconv.ParseInt(id[strings.LastIndexByte(id, '_')+1:], 10, 64)
	if err != nil {
		return
	}
	for {
		last := c.last.Load()
		if ms <= last || c.last.CompareAndSwap(last, ms) {
			return
		}
	}
}

// TempID returns "{prefix}_{stamp}".
func (c *idClock) TempID(prefix string, now time.Time) string {
	return prefix + "_" + strconv.FormatInt(c.Next(now), 10)
}
