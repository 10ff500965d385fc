package engine

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/snapshot"
)

// ExportKey encodes every collection into one portable token.
func (e *Engine) ExportKey() (string, error) {
	e.mu.Lock()
	p := snapshot.Payload{
		Version:     snapshot.Version,
		ExportedAt:  e.clock(),
		Collections: make(map[string]json.RawMessage, len(tables)),
	}
	if e.state.LastSync != nil {
		ls := *e.state.LastSync
		p.LastSync = &ls
	}
	for _, t := range tables {
		data, err := t.marshal(e.state)
		if err != nil {
			e.mu.Unlock()
			return "", err
		}
		p.Collections[string(t.collection())] = data
	}
	e.mu.Unlock()

	return snapshot.Encode(p)
}

// ImportKey replaces every local collection with the contents of a token
// made by ExportKey. Collections absent from the token become empty.
//
// It fails closed: on any decode or persistence error it returns false and
// nothing changes. The outbox is left as it is.
func (e *Engine) ImportKey(ctx context.Context, token string) bool {
	p, err := snapshot.Decode(token, func(name string) bool {
		return ledger.Collection(name).Valid()
	})
	if err != nil {
		e.logger.Warn("import rejected", zap.Error(err))
		return false
	}

	st := emptyState()
	for name, raw := range p.Collections {
		tb, _ := tableFor(ledger.Collection(name))
		if err := tb.unmarshal(st, raw); err != nil {
			e.logger.Warn("import rejected", zap.String("collection", name), zap.Error(err))
			return false
		}
	}
	st.LastSync = p.LastSync

	snaps, err := allSnapshots(st)
	if err != nil {
		e.logger.Warn("import rejected", zap.Error(err))
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.SetMany(ctx, snaps); err != nil {
		e.logger.Error("import not persisted", zap.Error(err))
		return false
	}
	e.state = st
	for _, t := range tables {
		for _, id := range t.ids(st) {
			e.ids.Observe(id)
		}
	}

	e.logger.Info("state imported", zap.Time("exported_at", p.ExportedAt))
	return true
}
