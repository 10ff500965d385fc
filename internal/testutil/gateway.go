package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// StubGateway is an in-process remote ledger. It satisfies engine.Gateway
// without any network I/O.
//
// By default every call succeeds: Create echoes the record with an id of
// "srv-N", Action and Delete return nothing, and List returns whatever
// SetList stored. Hang and FailWith change that for every later call.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StubGateway struct {
	mu     sync.Mutex
	hang   chan struct{}
	err    error
	lists  map[string][]json.RawMessage
	nextID int
	calls  []string
}

// NewStubGateway creates a gateway that accepts everything.
func NewStubGateway() *StubGateway {
	return &StubGateway{lists: map[string][]json.RawMessage{}}
}

// Hang makes later calls block until Release is called or their context
// ends.
func (g *StubGateway) Hang() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hang == nil {
		g.hang = make(chan struct{})
	}
}

// Release unblocks every hanging call.
func (g *StubGateway) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hang != nil {
		close(g.hang)
		g.hang = nil
	}
}

// FailWith makes later calls return err. A nil err restores success.
func (g *StubGateway) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// SetList sets the records List returns for path.
func (g *StubGateway) SetList(path string, records ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	raws := make([]json.RawMessage, len(records))
	for i, r := range records {
		raws[i] = json.RawMessage(r)
	}
	g.lists[path] = raws
}

// Calls returns every call seen so far as "METHOD path".
func (g *StubGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// enter records the call and applies Hang and FailWith.
func (g *StubGateway) enter(ctx context.Context, call string) error {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	hang, err := g.hang, g.err
	g.mu.Unlock()

	if hang != nil {
		select {
		case <-hang:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (g *StubGateway) List(ctx context.Context, path string) ([]json.RawMessage, error) {
	if err := g.enter(ctx, "GET "+path); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]json.RawMessage(nil), g.lists[path]...), nil
}

func (g *StubGateway) Create(ctx context.Context, path string, record []byte) (json.RawMessage, error) {
	if err := g.enter(ctx, "POST "+path); err != nil {
		return nil, err
	}

	var rec map[string]any
	if err := json.Unmarshal(record, &rec); err != nil {
		return nil, fmt.Errorf("stub gateway: decode %s: %w", path, err)
	}
	if _, ok := rec["token"]; !ok {
		g.mu.Lock()
		g.nextID++
		rec["id"] = "srv-" + strconv.Itoa(g.nextID)
		g.mu.Unlock()
	}
	return json.Marshal(rec)
}

func (g *StubGateway) Action(ctx context.Context, path, id, action string, payload []byte) (json.RawMessage, error) {
	return nil, g.enter(ctx, "POST "+path+"/"+id+"/"+action)
}

func (g *StubGateway) Delete(ctx context.Context, path, id string) error {
	return g.enter(ctx, "DELETE "+path+"/"+id)
}
