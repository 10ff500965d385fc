package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgersync/internal/ledger"
)

// SyncReport describes one full resync.
type SyncReport struct {
	At time.Time `json:"at"`
	// Replaced counts the remote records installed per collection.
	Replaced map[string]int `json:"replaced"`
	// Retained lists collections the server returned empty; their local
	// records were kept.
	Retained []string `json:"retained"`
	// Failed maps collections whose fetch or decode failed to the error.
	// Their local records were kept.
	Failed map[string]string `json:"failed"`
	// Dropped counts local records the server did not return and the merge
	// policy discarded.
	Dropped map[string]int `json:"dropped"`
}

// FailedCollections returns the collections that could not be synced,
// sorted.
func (r SyncReport) FailedCollections() []string {
	out := make([]string, 0, len(r.Failed))
	for c := range r.Failed {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SyncAll refreshes every collection from the server. Fetches run
// concurrently and fail independently: a collection whose fetch fails, or
// that comes back empty, keeps its local records. Every other collection is
// replaced according to the engine's MergePolicy and sorted newest first.
//
// The returned error is reserved for local persistence failures, in which
// case nothing was changed.
func (e *Engine) SyncAll(ctx context.Context) (SyncReport, error) {
	start := time.Now()
	colls := ledger.AllCollections()
	report := SyncReport{
		Replaced: map[string]int{},
		Retained: []string{},
		Failed:   map[string]string{},
		Dropped:  map[string]int{},
	}

	results := make([][]json.RawMessage, len(colls))
	errs := make([]error, len(colls))

	// Each fetch records its own error, so one failure never cancels the
	// others.
	var g errgroup.Group
	for i, c := range colls {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
			defer cancel()
			results[i], errs[i] = e.gateway.List(callCtx, c.Path())
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.beginLocal()
	defer t.end()
	prevLastSync := e.state.LastSync

	for i, c := range colls {
		name := string(c)
		if errs[i] != nil {
			report.Failed[name] = errs[i].Error()
			e.logger.Warn("collection fetch failed, keeping local copy",
				zap.String("collection", name),
				zap.Error(errs[i]),
			)
			continue
		}
		if len(results[i]) == 0 {
			report.Retained = append(report.Retained, name)
			continue
		}

		var keep func(string) bool
		if e.merge == KeepUnsynced {
			pending, err := e.store.UnsentTargets(ctx, name)
			if err != nil {
				return SyncReport{}, fmt.Errorf("sync %s: %w", name, err)
			}
			keep = func(id string) bool { return pending[id] }
		}

		tb, _ := tableFor(c)
		t.touch(tb)
		dropped, err := tb.replaceAll(e.state, results[i], keep)
		if err != nil {
			report.Failed[name] = err.Error()
			e.logger.Warn("collection unreadable, keeping local copy",
				zap.String("collection", name),
				zap.Error(err),
			)
			continue
		}
		report.Replaced[name] = len(results[i])
		if dropped > 0 {
			report.Dropped[name] = dropped
		}
	}

	now := e.clock()
	e.state.LastSync = &now
	report.At = now

	snaps, err := snapshotsOf(e.state, t.order)
	if err == nil {
		var last []byte
		if last, err = json.Marshal(now); err == nil {
			snaps[ledger.LastSyncKey] = last
			err = e.store.SetMany(ctx, snaps)
		}
	}
	if err != nil {
		e.state.LastSync = prevLastSync
		return SyncReport{}, fmt.Errorf("persist sync: %w", err)
	}
	t.committed = true

	for _, c := range colls {
		if n := report.Dropped[string(c)]; n > 0 {
			e.notifier.Notify(Notice{
				Level:      NoticeWarning,
				Message:    fmt.Sprintf("%d local %s missing from the server were discarded", n, c),
				Collection: string(c),
			})
		}
	}

	failed := report.FailedCollections()
	e.metrics.Sync(time.Since(start), failed)
	e.logger.Info("sync complete",
		zap.Int("replaced", len(report.Replaced)),
		zap.Int("retained", len(report.Retained)),
		zap.Strings("failed", failed),
		zap.Duration("took", time.Since(start)),
	)
	return report, nil
}
