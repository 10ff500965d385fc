package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/metrics"
	"github.com/roach88/ledgersync/internal/store"
)

// Gateway is the remote ledger service. *gateway.Client implements it.
type Gateway interface {
	List(ctx context.Context, path string) ([]json.RawMessage, error)
	Create(ctx context.Context, path string, record []byte) (json.RawMessage, error)
	Action(ctx context.Context, path, id, action string, payload []byte) (json.RawMessage, error)
	Delete(ctx context.Context, path, id string) error
}

// RetryPolicy bounds redelivery of failed remote writes.
type RetryPolicy struct {
	// MaxAttempts is the number of deliveries tried before an op is DEAD.
	MaxAttempts int
	// BaseBackoff is the delay after the first failure. It doubles per
	// attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// PollInterval is how often Run looks for ops whose backoff elapsed.
	PollInterval time.Duration
}

// DefaultRetryPolicy retries for roughly half an hour before giving up.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  12,
	BaseBackoff:  2 * time.Second,
	MaxBackoff:   5 * time.Minute,
	PollInterval: time.Second,
}

// Backoff returns the delay before the next attempt after attempts failures.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// MergePolicy decides what a resync does with local records the server has
// not seen yet.
type MergePolicy string

const (
	// ReplaceWholesale installs the remote collection as-is whenever it is
	// non-empty. Records still waiting for their first delivery disappear
	// from the local view; SyncAll reports how many.
	ReplaceWholesale MergePolicy = "replace"

	// KeepUnsynced retains local records that still have a create or an
	// action in the outbox, ahead of the remote records. A retained record
	// replaces the server's copy until its queued writes are delivered.
	KeepUnsynced MergePolicy = "keep-unsynced"
)

// DefaultCallTimeout bounds one remote call made by the dispatcher or resync.
const DefaultCallTimeout = 30 * time.Second

// Engine is the single coherent read model for every collection and the
// only mutator of it.
//
// Thread-safety model:
//   - Mutations and reads: safe from any goroutine; a mutex serializes the
//     local state transition and its persistence
//   - Run/Flush: safe from any goroutine; deliveries are serialized
//   - Remote I/O never happens while the state mutex is held
type Engine struct {
	mu    sync.Mutex
	state *State

	store     *store.Store
	gateway   Gateway
	validator *ledger.Validator

	ids      idClock
	cascades CascadeIDGenerator
	queue    *opQueue
	notifier Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	retry       RetryPolicy
	merge       MergePolicy
	callTimeout time.Duration

	// dispatchMu serializes outbox delivery.
	dispatchMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNotifier sets where user-facing notices go. Defaults to the logger.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics enables Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCascadeIDs replaces the cascade identity generator.
func WithCascadeIDs(g CascadeIDGenerator) Option {
	return func(e *Engine) { e.cascades = g }
}

// WithRetryPolicy sets the outbox retry policy. Zero fields keep their
// defaults.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		if p.MaxAttempts > 0 {
			e.retry.MaxAttempts = p.MaxAttempts
		}
		if p.BaseBackoff > 0 {
			e.retry.BaseBackoff = p.BaseBackoff
		}
		if p.MaxBackoff > 0 {
			e.retry.MaxBackoff = p.MaxBackoff
		}
		if p.PollInterval > 0 {
			e.retry.PollInterval = p.PollInterval
		}
	}
}

// WithMergePolicy sets the resync merge policy.
func WithMergePolicy(p MergePolicy) Option {
	return func(e *Engine) { e.merge = p }
}

// WithCallTimeout bounds each remote call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// New creates an Engine over a local store and a remote gateway, and loads
// the persisted collections. Missing or malformed collections load empty.
func New(s *store.Store, gw Gateway, opts ...Option) (*Engine, error) {
	v, err := ledger.NewValidator()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		state:       emptyState(),
		store:       s,
		gateway:     gw,
		validator:   v,
		cascades:    UUIDv7Generator{},
		queue:       newOpQueue(),
		logger:      zap.NewNop(),
		now:         time.Now,
		retry:       DefaultRetryPolicy,
		merge:       ReplaceWholesale,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = LogNotifier{Logger: e.logger}
	}
	switch e.merge {
	case ReplaceWholesale, KeepUnsynced:
	default:
		return nil, fmt.Errorf("unknown merge policy %q", e.merge)
	}

	ctx := context.Background()
	e.hydrate(ctx)
	if err := e.observeOutbox(ctx); err != nil {
		return nil, err
	}
	e.refreshOutboxGauge(ctx)
	return e, nil
}

// observeOutbox advances the identity clock past every temporary identity
// still waiting in the outbox, including those whose record did not load.
func (e *Engine) observeOutbox(ctx context.Context) error {
	ops, err := e.store.ListOps(ctx, store.StatusPending, store.StatusFailed, store.StatusDead)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	for _, op := range ops {
		e.ids.Observe(op.TargetID)
	}
	return nil
}

// hydrate loads every collection from the store.
func (e *Engine) hydrate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := emptyState()
	for _, t := range tables {
		raw, ok := e.store.GetRaw(ctx, t.collection().StorageKey())
		if !ok {
			continue
		}
		if err := t.unmarshal(st, raw); err != nil {
			e.logger.Warn("collection unreadable, starting empty",
				zap.String("collection", string(t.collection())),
				zap.Error(err),
			)
			t.reset(st)
			continue
		}
		for _, id := range t.ids(st) {
			e.ids.Observe(id)
		}
	}
	var last time.Time
	if e.store.Get(ctx, ledger.LastSyncKey, &last) && !last.IsZero() {
		st.LastSync = &last
	}
	e.state = st

	e.logger.Debug("state hydrated",
		zap.Int("customers", len(st.Customers)),
		zap.Int("products", len(st.Products)),
		zap.Int("sales", len(st.Sales)),
	)
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// snapshotsOf encodes the named collections of s for persistence.
func snapshotsOf(s *State, colls []ledger.Collection) (map[string][]byte, error) {
	out := make(map[string][]byte, len(colls))
	for _, c := range colls {
		t, ok := tableFor(c)
		if !ok {
			return nil, fmt.Errorf("unknown collection %q", c)
		}
		data, err := t.marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", c, err)
		}
		out[c.StorageKey()] = data
	}
	return out, nil
}

// allSnapshots encodes every collection and the last sync time.
func allSnapshots(s *State) (map[string][]byte, error) {
	colls := ledger.AllCollections()
	out, err := snapshotsOf(s, colls)
	if err != nil {
		return nil, err
	}
	// A nil LastSync encodes as null, which loads as never synced.
	data, err := json.Marshal(s.LastSync)
	if err != nil {
		return nil, fmt.Errorf("encode last sync: %w", err)
	}
	out[ledger.LastSyncKey] = data
	return out, nil
}

func (e *Engine) refreshOutboxGauge(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	st, err := e.store.Stats(ctx)
	if err != nil {
		e.logger.Warn("outbox stats unavailable", zap.Error(err))
		return
	}
	e.metrics.Outbox(st.Unsent(), st.Dead)
}

// Snapshot returns a deep copy of the whole read model.
func (e *Engine) Snapshot() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

func read[T ledger.Record](e *Engine, b binding[T]) []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return b.clone(e.state).([]T)
}

func (e *Engine) Customers() []ledger.Customer { return read(e, customerTable) }
func (e *Engine) Suppliers() []ledger.Supplier { return read(e, supplierTable) }
func (e *Engine) Products() []ledger.Product   { return read(e, productTable) }
func (e *Engine) Sales() []ledger.Sale         { return read(e, saleTable) }
func (e *Engine) Expenses() []ledger.Expense   { return read(e, expenseTable) }
func (e *Engine) SupplierTransactions() []ledger.SupplierTransaction {
	return read(e, supplierTxTable)
}
func (e *Engine) StockMovements() []ledger.StockMovement { return read(e, movementTable) }
func (e *Engine) Payroll() []ledger.PayrollEntry         { return read(e, payrollTable) }
func (e *Engine) Staff() []ledger.StaffMember            { return read(e, staffTable) }
func (e *Engine) Invitations() []ledger.Invitation       { return read(e, invitationTable) }
func (e *Engine) Users() []ledger.AppUser                { return read(e, userTable) }

// LastSync returns the time of the last completed resync.
func (e *Engine) LastSync() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.LastSync == nil {
		return time.Time{}, false
	}
	return *e.state.LastSync, true
}

// SupplierBalance folds the supplier's transaction stream. It is recomputed
// on every call.
func (e *Engine) SupplierBalance(supplierID string) ledger.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ledger.SupplierLedger(e.state.SupplierTransactions, supplierID)
}

// TotalPayables is what the business owes all suppliers together.
func (e *Engine) TotalPayables() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ledger.TotalPayables(e.state.Suppliers, e.state.SupplierTransactions)
}

// TotalPrepaid is what all suppliers together owe the business.
func (e *Engine) TotalPrepaid() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ledger.TotalPrepaid(e.state.Suppliers, e.state.SupplierTransactions)
}

// CustomerDrift compares a customer's stored balance with the balance
// rebuilt from the sale stream. Zero means they agree.
func (e *Engine) CustomerDrift(customerID string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := customerTable.find(e.state, customerID)
	if c == nil {
		return decimal.Zero, notFound(string(ledger.Customers), customerID)
	}
	return ledger.CustomerDrift(*c, e.state.Sales), nil
}

// LowStock returns products at or below their reorder level.
func (e *Engine) LowStock() []ledger.Product {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ledger.Product
	for _, p := range e.state.Products {
		if p.LowStock() {
			out = append(out, p)
		}
	}
	return out
}

// PendingCount is the number of remote writes still waiting for delivery.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return st.Unsent(), nil
}

// Queued is the number of freshly committed ops waiting for Run.
func (e *Engine) Queued() int {
	return e.queue.Len()
}

// OutboxStats counts outbox rows by status.
func (e *Engine) OutboxStats(ctx context.Context) (store.Stats, error) {
	return e.store.Stats(ctx)
}

// Cascade returns one user action and the delivery state of its steps.
func (e *Engine) Cascade(ctx context.Context, id string) (store.Cascade, error) {
	return e.store.Cascade(ctx, id)
}

// RecentCascades returns the latest user actions, newest first.
func (e *Engine) RecentCascades(ctx context.Context, limit int) ([]store.Cascade, error) {
	return e.store.ListCascades(ctx, limit)
}
