package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/gateway"
	"github.com/roach88/ledgersync/internal/gatewaytest"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/store"
	"github.com/roach88/ledgersync/internal/testutil"
)

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

// fixture is an engine over a temp-dir store with a stopped clock.
type fixture struct {
	e       *Engine
	store   *store.Store
	clock   *testutil.Clock
	notices *RecordingNotifier
	opts    []Option
}

func newFixture(t *testing.T, gw Gateway, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:   s,
		clock:   testutil.NewClock(t0),
		notices: &RecordingNotifier{},
		opts:    opts,
	}
	f.e = f.open(t, gw)
	return f
}

// open builds another engine over the fixture's store, as after a restart.
func (f *fixture) open(t *testing.T, gw Gateway) *Engine {
	t.Helper()
	opts := append([]Option{WithClock(f.clock.Now), WithNotifier(f.notices)}, f.opts...)
	e, err := New(f.store, gw, opts...)
	require.NoError(t, err)
	return e
}

func (f *fixture) flush(t *testing.T) DispatchReport {
	t.Helper()
	report, err := f.e.Flush(context.Background())
	require.NoError(t, err)
	return report
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.e.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}

// remote starts the fake ledger service and a client for it.
func remote(t *testing.T) (*gatewaytest.Server, *gateway.Client) {
	t.Helper()
	srv, ts := gatewaytest.Start(t)
	c, err := gateway.NewClient(ts.URL)
	require.NoError(t, err)
	return srv, c
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func addProduct(t *testing.T, e *Engine, name string, qty int64) ledger.Product {
	t.Helper()
	p, err := e.AddProduct(context.Background(), ledger.Product{
		Name:     name,
		Quantity: qty,
		Cost:     dec("5"),
		Price:    dec("10"),
	})
	require.NoError(t, err)
	return p
}

func addCustomer(t *testing.T, e *Engine, name, balance string) ledger.Customer {
	t.Helper()
	c, err := e.AddCustomer(context.Background(), ledger.Customer{Name: name, Balance: dec(balance)})
	require.NoError(t, err)
	return c
}

func addSupplier(t *testing.T, e *Engine, name string) ledger.Supplier {
	t.Helper()
	s, err := e.AddSupplier(context.Background(), ledger.Supplier{Name: name})
	require.NoError(t, err)
	return s
}
