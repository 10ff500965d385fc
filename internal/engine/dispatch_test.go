package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/gateway"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/metrics"
	"github.com/roach88/ledgersync/internal/store"
	"github.com/roach88/ledgersync/internal/testutil"
)

// sellOnCredit records a customer, a product and a part-paid sale between
// them: seven ops in three cascades.
func sellOnCredit(t *testing.T, e *Engine) (ledger.Customer, ledger.Product, ledger.Sale) {
	t.Helper()
	c := addCustomer(t, e, "Ada", "200")
	p := addProduct(t, e, "Widget", 10)
	sale, err := e.AddSale(context.Background(), ledger.Sale{
		Items:      []ledger.SaleItem{{ProductID: p.ID, Quantity: 3, Price: dec("10")}},
		Total:      dec("30"),
		AmountPaid: dec("10"),
		CustomerID: c.ID,
	})
	require.NoError(t, err)
	return c, p, sale
}

func TestFlush_ReconcilesServerIdentities(t *testing.T) {
	srv, gw := remote(t)
	f := newFixture(t, gw)
	ctx := context.Background()
	sellOnCredit(t, f.e)

	report := f.flush(t)
	assert.Equal(t, DispatchReport{Sent: 6}, report)
	assert.Equal(t, 0, f.pending(t))

	customer := f.e.Customers()[0]
	assert.Equal(t, "srv-1", customer.ID)
	assert.Equal(t, "220", customer.Balance.String())
	assert.Equal(t, "30", customer.TotalSpent.String())

	product := f.e.Products()[0]
	assert.Equal(t, "srv-2", product.ID)
	assert.Equal(t, int64(7), product.Quantity)

	sale := f.e.Sales()[0]
	assert.Equal(t, "srv-3", sale.ID)
	assert.Equal(t, "srv-1", sale.CustomerID)
	assert.Equal(t, "srv-2", sale.Items[0].ProductID)

	movement := f.e.StockMovements()[0]
	assert.Equal(t, "srv-4", movement.ID)
	assert.Equal(t, "srv-2", movement.ProductID)

	assert.Empty(t, ledger.TempIDsIn([]byte(mustJSON(t, f.e.Snapshot()))), "no temporary identity survives delivery")

	// The server saw resolved references only.
	assert.Equal(t, "srv-1", srv.Records("sales")[0]["customerId"])
	assert.Equal(t, json.Number("7"), srv.Records("products")[0]["quantity"])
	assert.Equal(t, "220", srv.Records("customers")[0]["balance"])

	cascade, err := f.e.Cascade(ctx, movement.CascadeID)
	require.NoError(t, err)
	assert.Equal(t, "DONE", cascade.Outcome())

	// Reconciled state is what a restart loads.
	reopened := f.open(t, gw)
	assert.Equal(t, f.e.Snapshot(), reopened.Snapshot())
}

func TestFlush_FailureKeepsOptimisticState(t *testing.T) {
	srv, gw := remote(t)
	f := newFixture(t, gw)
	srv.SetDown(true)

	c := addCustomer(t, f.e, "Ada", "0")

	assert.Equal(t, DispatchReport{Failed: 1}, f.flush(t))
	assert.Equal(t, []ledger.Customer{c}, f.e.Customers())
	assert.Equal(t, 1, f.pending(t))

	notices := f.notices.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeWarning, notices[0].Level)
	assert.Equal(t, c.ID, notices[0].RecordID)

	// Still backing off.
	assert.Equal(t, DispatchReport{}, f.flush(t))
	assert.Len(t, srv.Calls(), 1)

	srv.SetDown(false)
	f.clock.Advance(DefaultRetryPolicy.BaseBackoff)
	assert.Equal(t, DispatchReport{Sent: 1}, f.flush(t))
	assert.Equal(t, "srv-1", f.e.Customers()[0].ID)
	assert.Len(t, f.notices.Notices(), 1, "later failures do not repeat the warning")
}

func TestFlush_BackoffUntilDead(t *testing.T) {
	gw := testutil.NewStubGateway()
	f := newFixture(t, gw, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  4 * time.Second,
	}))
	ctx := context.Background()
	gw.FailWith(errors.New("connection refused"))

	addSupplier(t, f.e, "Acme")

	assert.Equal(t, DispatchReport{Failed: 1}, f.flush(t))
	f.clock.Advance(time.Second)
	assert.Equal(t, DispatchReport{Failed: 1}, f.flush(t))
	f.clock.Advance(time.Second)
	assert.Equal(t, DispatchReport{}, f.flush(t), "second backoff is two seconds")
	f.clock.Advance(time.Second)
	assert.Equal(t, DispatchReport{Dead: 1}, f.flush(t))

	stats, err := f.e.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Dead: 1}, stats)
	assert.Equal(t, "Acme", f.e.Suppliers()[0].Name, "the local record stays visible")

	var levels []NoticeLevel
	for _, n := range f.notices.Notices() {
		levels = append(levels, n.Level)
	}
	assert.Equal(t, []NoticeLevel{NoticeWarning, NoticeError}, levels)

	f.clock.Advance(time.Hour)
	assert.Equal(t, DispatchReport{}, f.flush(t), "dead ops are not retried")

	gw.FailWith(nil)
	n, err := f.e.RetryDead(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, DispatchReport{Sent: 1}, f.flush(t))
	assert.Equal(t, "srv-1", f.e.Suppliers()[0].ID)
	assert.Len(t, gw.Calls(), 4)
}

func TestFlush_PermanentRejectionIsDead(t *testing.T) {
	gw := testutil.NewStubGateway()
	f := newFixture(t, gw)
	gw.FailWith(&gateway.TransportError{Method: "POST", Path: "/api/customers", Status: 422})

	addCustomer(t, f.e, "Ada", "0")

	assert.Equal(t, DispatchReport{Dead: 1}, f.flush(t))
	notices := f.notices.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeError, notices[0].Level)
}

func TestFlush_CallTimeout(t *testing.T) {
	gw := testutil.NewStubGateway()
	f := newFixture(t, gw, WithCallTimeout(20*time.Millisecond))
	gw.Hang()
	defer gw.Release()

	addProduct(t, f.e, "Widget", 1)

	assert.Equal(t, DispatchReport{Failed: 1}, f.flush(t))
	assert.Equal(t, 1, f.pending(t))
}

func TestFlush_BuriesOpsReferencingDeadCreates(t *testing.T) {
	srv, gw := remote(t)
	f := newFixture(t, gw, WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	srv.FailNext("customers", 1)

	sellOnCredit(t, f.e)

	// The customer create dies; the sale and the balance charge reference
	// it and can never be sent. The product, its adjustment and the
	// movement go through.
	assert.Equal(t, DispatchReport{Sent: 3, Dead: 3}, f.flush(t))
	assert.Empty(t, srv.Records("sales"))
	assert.Equal(t, json.Number("7"), srv.Records("products")[0]["quantity"])

	assert.Len(t, f.e.Sales(), 1, "local state is not rolled back")
	for _, n := range f.notices.Notices() {
		assert.Equal(t, NoticeError, n.Level)
	}
	assert.Len(t, f.notices.Notices(), 3)
}

func TestFlush_OrdersOpsOnTheSameRecord(t *testing.T) {
	srv, gw := remote(t)
	f := newFixture(t, gw)
	ctx := context.Background()

	inv, err := f.e.AddInvitation(ctx, ledger.Invitation{Email: "bo@example.com", Role: "cashier"})
	require.NoError(t, err)
	_, err = f.e.AcceptInvitation(ctx, inv.Token)
	require.NoError(t, err)

	assert.Equal(t, DispatchReport{Sent: 2}, f.flush(t))
	assert.Equal(t, "ACCEPTED", srv.Records("invitations")[0]["status"])
	assert.Equal(t, ledger.InvitationAccepted, f.e.Invitations()[0].Status)
	assert.Equal(t, inv.Token, f.e.Invitations()[0].Token)
}

func TestRevokeInvitation_BeforeDeliverySendsNothing(t *testing.T) {
	gw := testutil.NewStubGateway()
	f := newFixture(t, gw)
	ctx := context.Background()

	inv, err := f.e.AddInvitation(ctx, ledger.Invitation{Email: "bo@example.com", Role: "cashier"})
	require.NoError(t, err)
	require.NoError(t, f.e.RevokeInvitation(ctx, inv.Token))

	assert.Equal(t, DispatchReport{}, f.flush(t))
	assert.Empty(t, gw.Calls())
	assert.Empty(t, f.e.Invitations())
}

func TestRevokeInvitation_AfterDeliverySendsDelete(t *testing.T) {
	gw := testutil.NewStubGateway()
	f := newFixture(t, gw)
	ctx := context.Background()

	inv, err := f.e.AddInvitation(ctx, ledger.Invitation{Email: "bo@example.com", Role: "cashier"})
	require.NoError(t, err)
	assert.Equal(t, DispatchReport{Sent: 1}, f.flush(t))

	require.NoError(t, f.e.RevokeInvitation(ctx, inv.Token))
	assert.Equal(t, DispatchReport{Sent: 1}, f.flush(t))
	assert.Equal(t, []string{
		"POST invitations",
		"DELETE invitations/" + inv.Token,
	}, gw.Calls())
}

func TestRemoveUser_AlreadyGoneRemotely(t *testing.T) {
	srv, gw := remote(t)
	f := newFixture(t, gw)
	ctx := context.Background()

	_, err := f.e.AddUser(ctx, ledger.AppUser{Email: "bo@example.com", Role: "admin"})
	require.NoError(t, err)
	f.flush(t)
	id := f.e.Users()[0].ID
	require.NoError(t, gw.Delete(ctx, "users", id))

	require.NoError(t, f.e.RemoveUser(ctx, id))
	assert.Equal(t, DispatchReport{Sent: 1}, f.flush(t), "a 404 on delete means the goal is met")
	assert.Empty(t, srv.Records("users"))
}

func TestRemoveUser_WhileCreateInFlightDeletesServerCopy(t *testing.T) {
	gw := testutil.NewStubGateway()
	f := newFixture(t, gw)
	ctx := context.Background()

	u, err := f.e.AddUser(ctx, ledger.AppUser{Email: "bo@example.com", Role: "admin"})
	require.NoError(t, err)

	gw.Hang()
	type result struct {
		report DispatchReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := f.e.Flush(ctx)
		done <- result{r, err}
	}()
	require.Eventually(t, func() bool {
		return len(gw.Calls()) == 1
	}, 2*time.Second, 5*time.Millisecond, "create is in flight")

	require.NoError(t, f.e.RemoveUser(ctx, u.ID))
	gw.Release()

	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, DispatchReport{Sent: 1}, first.report)
	assert.Equal(t, 1, f.pending(t), "the server copy still has to be deleted")

	assert.Equal(t, DispatchReport{Sent: 1}, f.flush(t))
	assert.Equal(t, []string{"POST users", "DELETE users/srv-1"}, gw.Calls())
	assert.Zero(t, f.pending(t))
	assert.Empty(t, f.e.Users())

	cascades, err := f.e.RecentCascades(ctx, 10)
	require.NoError(t, err)
	var steps []store.OpKind
	for _, c := range cascades {
		if c.Action == "addUser" {
			for _, st := range c.Steps {
				steps = append(steps, st.Kind)
			}
		}
	}
	assert.Equal(t, []store.OpKind{store.OpCreate, store.OpDelete}, steps)
}

func TestRun_DeliversFreshOps(t *testing.T) {
	srv, gw := remote(t)
	f := newFixture(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.e.Run(ctx) }()

	addCustomer(t, f.e, "Ada", "0")
	require.Eventually(t, func() bool {
		n, err := f.e.PendingCount(context.Background())
		return err == nil && n == 0 && len(srv.Records("customers")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "srv-1", f.e.Customers()[0].ID)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestMetrics_TrackOutbox(t *testing.T) {
	_, gw := remote(t)
	m := metrics.New(prometheus.NewRegistry(), "")
	f := newFixture(t, gw, WithMetrics(m))

	addCustomer(t, f.e, "Ada", "0")
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Mutations.WithLabelValues("customers", "CREATE")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.OutboxPending))

	f.flush(t)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Reconciled.WithLabelValues("customers")))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.OutboxPending))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.OutboxDead))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{100, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}
