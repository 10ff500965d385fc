package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/store"
)

// txn collects the local effects of one user action. The caller holds e.mu
// from begin until end.
//
//	t := e.begin("addSale")
//	defer t.end()
//	... mutate through t ...
//	return t.commit(ctx)
//
// Every collection is saved before its first change, so end can put the
// state back exactly as it was when commit did not succeed.
type txn struct {
	e         *Engine
	action    string
	cascadeID string
	at        time.Time

	saved     map[ledger.Collection]any
	order     []ledger.Collection
	ops       []store.Op
	committed bool
}

func (e *Engine) begin(action string) *txn {
	return &txn{
		e:         e,
		action:    action,
		cascadeID: e.cascades.Generate(),
		at:        e.clock(),
		saved:     map[ledger.Collection]any{},
	}
}

// beginLocal starts a txn for a change that produces no remote writes,
// such as applying a server response.
func (e *Engine) beginLocal() *txn {
	return &txn{
		e:     e,
		at:    e.clock(),
		saved: map[ledger.Collection]any{},
	}
}

// touch saves tb before it is changed for the first time.
func (t *txn) touch(tb table) {
	if _, ok := t.saved[tb.collection()]; ok {
		return
	}
	t.keep(tb.collection(), tb.clone(t.e.state))
}

// keep records a copy of collection c taken before it was changed.
func (t *txn) keep(c ledger.Collection, before any) {
	if _, ok := t.saved[c]; ok {
		return
	}
	t.saved[c] = before
	t.order = append(t.order, c)
}

func (t *txn) enqueue(op store.Op) {
	t.ops = append(t.ops, op)
}

func (t *txn) act(c ledger.Collection, target, name string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	t.enqueue(store.Op{
		Kind:       store.OpAction,
		Collection: string(c),
		TargetID:   target,
		Action:     name,
		Payload:    data,
	})
	return nil
}

func (t *txn) remove(tb table, id string) bool {
	t.touch(tb)
	if !tb.remove(t.e.state, id) {
		return false
	}
	t.enqueue(store.Op{
		Kind:       store.OpDelete,
		Collection: string(tb.collection()),
		TargetID:   id,
	})
	return true
}

// commit persists the touched collections and the queued ops atomically,
// then hands the new op ids to the dispatcher.
func (t *txn) commit(ctx context.Context) error {
	snaps, err := snapshotsOf(t.e.state, t.order)
	if err != nil {
		return persistError(t.action, err)
	}
	ids, err := t.e.store.Commit(ctx, store.Batch{
		Snapshots: snaps,
		CascadeID: t.cascadeID,
		Action:    t.action,
		Ops:       t.ops,
		At:        t.at,
	})
	if err != nil {
		t.e.logger.Error("mutation not persisted",
			zap.String("action", t.action),
			zap.String("cascade_id", t.cascadeID),
			zap.Error(err),
		)
		return persistError(t.action, err)
	}
	t.committed = true

	t.e.queue.Enqueue(ids...)
	for _, op := range t.ops {
		t.e.metrics.Mutation(op.Collection, string(op.Kind))
	}
	t.e.refreshOutboxGauge(ctx)

	t.e.logger.Debug("mutation committed",
		zap.String("action", t.action),
		zap.String("cascade_id", t.cascadeID),
		zap.Int("ops", len(t.ops)),
	)
	return nil
}

// end rolls back every touched collection unless commit succeeded.
func (t *txn) end() {
	if t.committed {
		return
	}
	for c, saved := range t.saved {
		tb, _ := tableFor(c)
		tb.restore(t.e.state, saved)
	}
}

// create assigns rec a temporary identity, prepends it and queues its
// CREATE. Invitations keep the token they were given and send it.
func create[T ledger.Record](t *txn, b binding[T], rec T) (T, error) {
	id := rec.RecordID()
	body := rec
	if prefix := b.coll.Prefix(); prefix != "" {
		id = t.e.ids.TempID(prefix, t.at)
		rec = b.withID(rec, id)
		body = b.withID(rec, "")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return rec, fmt.Errorf("encode %s: %w", b.coll, err)
	}

	t.touch(b)
	b.prepend(t.e.state, rec)
	t.enqueue(store.Op{
		Kind:       store.OpCreate,
		Collection: string(b.coll),
		TargetID:   id,
		Payload:    payload,
	})
	return rec, nil
}
