package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/testutil"
)

func TestIDClock_StrictlyIncreasing(t *testing.T) {
	var c idClock
	ms := t0.UnixMilli()

	assert.Equal(t, ms, c.Next(t0))
	assert.Equal(t, ms+1, c.Next(t0), "same millisecond gets the next stamp")
	assert.Equal(t, ms+2, c.Next(t0.Add(-time.Second)), "clock going backwards never reuses a stamp")

	c.Observe("sale_9999999999999")
	assert.Equal(t, int64(10000000000000), c.Next(t0))

	c.Observe("srv-17")
	c.Observe("cust_12")
	assert.Equal(t, int64(10000000000001), c.Next(t0))
}

func TestIDClock_TempID(t *testing.T) {
	var c idClock
	id := c.TempID("prod", t0)
	assert.True(t, ledger.IsTempID(id))
	assert.Equal(t, "prod_1792054800000", id)
}

func TestOpQueue_FIFO(t *testing.T) {
	q := newOpQueue()
	_, ok := q.TryDequeue()
	assert.False(t, ok)

	q.Enqueue(3, 0, 4)
	q.Enqueue(5)
	assert.Equal(t, 3, q.Len(), "zero ids are cancelled ops and are skipped")

	select {
	case <-q.Wait():
	default:
		t.Fatal("enqueue did not signal")
	}

	var got []int64
	for {
		id, ok := q.TryDequeue()
		if !ok {
			break
		}
		got = append(got, id)
	}
	assert.Equal(t, []int64{3, 4, 5}, got)
}

func TestReplaceAll_CountsDroppedRecords(t *testing.T) {
	s := emptyState()
	s.Customers = []ledger.Customer{{ID: "cust_1760518800000"}, {ID: "srv-1"}, {ID: "cust_1760518800001"}}

	raws := []json.RawMessage{
		json.RawMessage(`{"id":"srv-1","name":"Old","createdAt":"2026-10-01T00:00:00Z"}`),
		json.RawMessage(`{"id":"srv-2","name":"New","createdAt":"2026-10-02T00:00:00Z"}`),
	}
	keep := func(id string) bool { return id == "cust_1760518800001" }

	dropped, err := customerTable.replaceAll(s, raws, keep)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped, "srv-1 came back from the server, cust_..001 was kept")

	var ids []string
	for _, c := range s.Customers {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"cust_1760518800001", "srv-2", "srv-1"}, ids)
}

func TestReplaceAll_KeptRecordWinsOverRemoteCopy(t *testing.T) {
	s := emptyState()
	s.Products = []ledger.Product{{ID: "srv-1", Name: "Widget", Quantity: 7}}
	raws := []json.RawMessage{
		json.RawMessage(`{"id":"srv-1","name":"Widget","quantity":10}`),
		json.RawMessage(`{"id":"srv-2","name":"Gadget","quantity":1}`),
	}

	dropped, err := productTable.replaceAll(s, raws, func(id string) bool { return id == "srv-1" })
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Len(t, s.Products, 2)
	assert.Equal(t, "srv-1", s.Products[0].ID)
	assert.Equal(t, int64(7), s.Products[0].Quantity)
	assert.Equal(t, "srv-2", s.Products[1].ID)
}

func TestReplaceAll_RejectsRecordsWithoutIdentity(t *testing.T) {
	s := emptyState()
	s.Products = []ledger.Product{{ID: "srv-1", Name: "Widget"}}

	_, err := productTable.replaceAll(s, []json.RawMessage{json.RawMessage(`{"name":"anonymous"}`)}, nil)
	assert.Error(t, err)
	assert.Equal(t, "Widget", s.Products[0].Name, "nothing changes on a decode failure")
}

func TestRemap_CopiesNestedSlices(t *testing.T) {
	s := emptyState()
	items := []ledger.SaleItem{{ProductID: "prod_1760518800000", Quantity: 1}}
	s.Sales = []ledger.Sale{{ID: "srv-9", CustomerID: "cust_1760518800001", Items: items}}
	before := saleTable.clone(s).([]ledger.Sale)

	assert.True(t, saleTable.remap(s, "prod_1760518800000", "srv-3"))
	assert.True(t, saleTable.remap(s, "cust_1760518800001", "srv-4"))
	assert.False(t, saleTable.remap(s, "prod_1760518800000", "srv-5"))

	assert.Equal(t, "srv-3", s.Sales[0].Items[0].ProductID)
	assert.Equal(t, "srv-4", s.Sales[0].CustomerID)
	assert.Equal(t, "prod_1760518800000", items[0].ProductID, "saved copies are not rewritten")
	assert.Equal(t, "prod_1760518800000", before[0].Items[0].ProductID)
}

func TestReconcile_IdentityOnly(t *testing.T) {
	s := emptyState()
	s.Products = []ledger.Product{{ID: "prod_1760518800000", Name: "Widget", Quantity: 7}}
	server := json.RawMessage(`{"id":"srv-1","name":"Widget","quantity":10}`)

	id, found, err := productTable.reconcile(s, "prod_1760518800000", server, true)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "srv-1", id)
	assert.Equal(t, int64(7), s.Products[0].Quantity, "local effects of queued ops stay visible")

	s.Products[0].ID = "prod_1760518800000"
	_, _, err = productTable.reconcile(s, "prod_1760518800000", server, false)
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.Products[0].Quantity)
	assert.Equal(t, "srv-1", s.Products[0].ID)
}

func TestState_CloneIsDeep(t *testing.T) {
	s := emptyState()
	s.Staff = []ledger.StaffMember{{ID: "srv-1", Attendance: []string{"2026-10-14"}}}
	s.Sales = []ledger.Sale{{ID: "srv-2", Items: []ledger.SaleItem{{ProductID: "srv-3", Quantity: 1}}}}
	s.SupplierTransactions = []ledger.SupplierTransaction{{ID: "srv-4", Items: []ledger.SupplyItem{{ProductID: "srv-3", Quantity: 5}}}}
	ls := t0
	s.LastSync = &ls

	c := s.Clone()
	c.Staff[0].Name = "changed"
	c.Staff[0].Attendance[0] = "2030-01-01"
	c.Sales[0].Items[0].Quantity = 999
	c.SupplierTransactions[0].Items[0].ProductID = "other"
	*c.LastSync = t0.AddDate(1, 0, 0)

	assert.Empty(t, s.Staff[0].Name)
	assert.Equal(t, "2026-10-14", s.Staff[0].Attendance[0])
	assert.Equal(t, int64(1), s.Sales[0].Items[0].Quantity)
	assert.Equal(t, "srv-3", s.SupplierTransactions[0].Items[0].ProductID)
	assert.True(t, s.LastSync.Equal(t0))
}

func TestReads_ShareNothingWithEngine(t *testing.T) {
	f := newFixture(t, testutil.NewStubGateway())
	_, p, _ := sellOnCredit(t, f.e)

	f.e.Snapshot().Sales[0].Items[0].Quantity = 999
	f.e.Sales()[0].Items[0].ProductID = "elsewhere"

	item := f.e.Sales()[0].Items[0]
	assert.Equal(t, p.ID, item.ProductID)
	assert.Equal(t, int64(3), item.Quantity)
}
