package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/store"
	"github.com/roach88/ledgersync/internal/testutil"
)

func TestAddCustomer_VisibleBeforeRemoteResolves(t *testing.T) {
	gw := testutil.NewStubGateway()
	gw.Hang()
	f := newFixture(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.e.Run(ctx) }()

	c := addCustomer(t, f.e, "Ada", "200")
	assert.True(t, ledger.IsTempID(c.ID), "got %q", c.ID)

	customers := f.e.Customers()
	require.Len(t, customers, 1)
	assert.Equal(t, c, customers[0])

	// The dispatcher is now stuck in the remote call.
	require.Eventually(t, func() bool { return len(gw.Calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []ledger.Customer{c}, f.e.Customers())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	assert.Equal(t, 1, f.pending(t), "an interrupted attempt is not a failure")
}

func TestAddCustomer_Defaults(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())

	c := addCustomer(t, f.e, "  Ada ", "-20")
	assert.Equal(t, "Ada", c.Name)
	assert.Equal(t, ledger.StatusActive, c.Status)
	assert.Equal(t, "-20", c.Balance.String())
	assert.Equal(t, "-20", c.OpeningBalance.String())
	assert.True(t, c.Adjusted.IsZero())
	assert.Equal(t, t0, c.CreatedAt)
	assert.Equal(t, fmt.Sprintf("cust_%d", t0.UnixMilli()), c.ID)
}

func TestAdd_NewestFirst(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())

	first := addProduct(t, f.e, "First", 1)
	second := addProduct(t, f.e, "Second", 1)

	products := f.e.Products()
	require.Len(t, products, 2)
	assert.Equal(t, second.ID, products[0].ID)
	assert.Equal(t, first.ID, products[1].ID)
	assert.NotEqual(t, first.ID, second.ID, "same millisecond still yields distinct identities")
}

func TestAdd_ValidationRejectsBeforeAnyChange(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"customer without name", func() error {
			_, err := f.e.AddCustomer(ctx, ledger.Customer{Name: " "})
			return err
		}},
		{"sale without items", func() error {
			_, err := f.e.AddSale(ctx, ledger.Sale{Total: dec("10"), AmountPaid: dec("10")})
			return err
		}},
		{"expense with unknown type", func() error {
			_, err := f.e.AddExpense(ctx, ledger.Expense{Type: "GIFT", Amount: dec("1"), Category: "x"})
			return err
		}},
		{"invitation with bad email", func() error {
			_, err := f.e.AddInvitation(ctx, ledger.Invitation{Email: "nobody", Role: "cashier"})
			return err
		}},
		{"attendance with bad date", func() error {
			_, err := f.e.MarkAttendance(ctx, ledger.Attendance{StaffID: "staff_1", Date: "15/10/2026"})
			return err
		}},
		{"zero balance adjustment", func() error {
			_, err := f.e.AdjustCustomerBalance(ctx, "cust_1", dec("0"))
			return err
		}},
		{"unknown status", func() error {
			_, err := f.e.SetSupplierStatus(ctx, "sup_1", "PAUSED")
			return err
		}},
		{"non-positive damage", func() error {
			_, err := f.e.RecordDamage(ctx, "prod_1", 0, "")
			return err
		}},
		{"transfer to itself", func() error {
			_, _, err := f.e.TransferStock(ctx, "prod_1", "prod_1", 1, "")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "got %v", err)
		})
	}

	assert.Equal(t, mustJSON(t, emptyState()), mustJSON(t, f.e.Snapshot()))
	assert.Equal(t, 0, f.pending(t))
}

func TestAdd_UnknownReferenceIsNotFound(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	ctx := context.Background()
	p := addProduct(t, f.e, "Widget", 5)

	_, err := f.e.AddSale(ctx, ledger.Sale{
		Items:      []ledger.SaleItem{{ProductID: p.ID, Quantity: 1, Price: dec("10")}},
		Total:      dec("10"),
		AmountPaid: dec("0"),
		CustomerID: "cust_missing",
	})
	assert.True(t, IsNotFound(err), "got %v", err)

	_, err = f.e.AddPayrollEntry(ctx, ledger.PayrollEntry{StaffID: "staff_missing", Amount: dec("1"), Period: "2026-10"})
	assert.True(t, IsNotFound(err))

	_, err = f.e.AddSupplierTransaction(ctx, ledger.SupplierTransaction{
		SupplierID: "sup_missing", Type: ledger.SupplierPayment, Amount: dec("1"),
	})
	assert.True(t, IsNotFound(err))

	assert.Empty(t, f.e.Sales())
	assert.Equal(t, int64(5), f.e.Products()[0].Quantity)
	assert.Equal(t, 1, f.pending(t), "only the product create is queued")
}

func TestAdd_PersistFailureRollsBack(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	p := addProduct(t, f.e, "Widget", 5)
	c := addCustomer(t, f.e, "Ada", "0")
	require.NoError(t, f.store.Close())

	_, err := f.e.AddSale(context.Background(), ledger.Sale{
		Items:      []ledger.SaleItem{{ProductID: p.ID, Quantity: 2, Price: dec("10")}},
		Total:      dec("20"),
		AmountPaid: dec("0"),
		CustomerID: c.ID,
	})
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrCodePersist, ee.Code)

	assert.Empty(t, f.e.Sales())
	assert.Empty(t, f.e.StockMovements())
	assert.Equal(t, []ledger.Product{p}, f.e.Products())
	assert.Equal(t, []ledger.Customer{c}, f.e.Customers())
}

func TestAdd_ConcurrentCreatesGetDistinctIdentities(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.e.AddProduct(context.Background(), ledger.Product{
				Name: fmt.Sprintf("P%d", i), Cost: dec("1"), Price: dec("1"),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, p := range f.e.Products() {
		assert.False(t, seen[p.ID], "duplicate identity %s", p.ID)
		seen[p.ID] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, f.pending(t))
}

func TestReads_ReturnCopies(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	addProduct(t, f.e, "Widget", 5)

	products := f.e.Products()
	products[0].Quantity = 999

	assert.Equal(t, int64(5), f.e.Products()[0].Quantity)
}

func TestAdjustCustomerBalance_TracksDrift(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	c := addCustomer(t, f.e, "Ada", "100")

	updated, err := f.e.AdjustCustomerBalance(context.Background(), c.ID, dec("-30"))
	require.NoError(t, err)
	assert.Equal(t, "70", updated.Balance.String())
	assert.Equal(t, "-30", updated.Adjusted.String())

	drift, err := f.e.CustomerDrift(c.ID)
	require.NoError(t, err)
	assert.True(t, drift.IsZero(), "drift %s", drift)

	_, err = f.e.CustomerDrift("cust_missing")
	assert.True(t, IsNotFound(err))
}

func TestMarkAttendance_Idempotent(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	ctx := context.Background()
	s, err := f.e.AddStaffMember(ctx, ledger.StaffMember{Name: "Bo"})
	require.NoError(t, err)
	assert.Equal(t, []string{}, s.Attendance)

	day := ledger.Attendance{StaffID: s.ID, Date: "2026-10-15"}
	got, err := f.e.MarkAttendance(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-10-15"}, got.Attendance)

	got, err = f.e.MarkAttendance(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-10-15"}, got.Attendance)

	assert.Equal(t, 2, f.pending(t), "create plus one attendance action")
	assert.Empty(t, s.Attendance, "earlier copies are not mutated")
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	ctx := context.Background()
	sup := addSupplier(t, f.e, "Acme")
	staff, err := f.e.AddStaffMember(ctx, ledger.StaffMember{Name: "Bo"})
	require.NoError(t, err)

	gotSup, err := f.e.SetSupplierStatus(ctx, sup.ID, ledger.StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInactive, gotSup.Status)

	gotStaff, err := f.e.SetStaffStatus(ctx, staff.ID, ledger.StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInactive, gotStaff.Status)

	// Unchanged status queues nothing.
	_, err = f.e.SetStaffStatus(ctx, staff.ID, ledger.StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, 4, f.pending(t))

	_, err = f.e.SetStaffStatus(ctx, "staff_missing", ledger.StatusActive)
	assert.True(t, IsNotFound(err))
}

func TestInvitations(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	ctx := context.Background()

	inv, err := f.e.AddInvitation(ctx, ledger.Invitation{Email: "bo@example.com", Role: "cashier"})
	require.NoError(t, err)
	assert.NotEmpty(t, inv.Token)
	assert.False(t, ledger.IsTempID(inv.Token))
	assert.Equal(t, ledger.InvitationPending, inv.Status)

	accepted, err := f.e.AcceptInvitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvitationAccepted, accepted.Status)

	require.NoError(t, f.e.RevokeInvitation(ctx, inv.Token))
	assert.Empty(t, f.e.Invitations())
	assert.True(t, IsNotFound(f.e.RevokeInvitation(ctx, inv.Token)))
}

func TestRemoveUser(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	ctx := context.Background()

	u, err := f.e.AddUser(ctx, ledger.AppUser{Email: "ada@example.com", Role: "admin"})
	require.NoError(t, err)
	require.NoError(t, f.e.RemoveUser(ctx, u.ID))
	assert.Empty(t, f.e.Users())

	stats, err := f.e.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Cancelled: 1}, stats, "the undelivered create is cancelled, nothing is sent")
}

func TestNew_HydratesFromStore(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	ctx := context.Background()
	c := addCustomer(t, f.e, "Ada", "10")
	p := addProduct(t, f.e, "Widget", 3)

	require.NoError(t, f.store.SetRaw(ctx, ledger.Products.StorageKey(), []byte("{oops")))

	restarted := f.open(t, testutil.NewStubGateway())
	assert.Equal(t, []ledger.Customer{c}, restarted.Customers())
	assert.Empty(t, restarted.Products(), "malformed collection loads empty")

	// Identities minted after a restart never reuse a persisted stamp.
	again := addProduct(t, restarted, "Widget 2", 1)
	assert.NotEqual(t, p.ID, again.ID)
	assert.NotEqual(t, c.ID[len("cust_"):], again.ID[len("prod_"):])
}

func TestNew_RejectsUnknownMergePolicy(t *testing.T) {
	s, err := store.Open(t.TempDir() + "/x.db")
	require.NoError(t, err)
	defer s.Close()

	_, err = New(s, testutil.NewStubGateway(), WithMergePolicy("union"))
	assert.Error(t, err)
}
