package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSupplierLedger_FoldsStream(t *testing.T) {
	txs := []SupplierTransaction{
		{SupplierID: "s1", Type: SupplierSupply, Amount: dec("300")},
		{SupplierID: "s1", Type: SupplierExpense, Amount: dec("50")},
		{SupplierID: "s1", Type: SupplierPayment, Amount: dec("100")},
	}

	b := SupplierLedger(txs, "s1")

	assert.True(t, b.Debit.Equal(dec("350")), "debit = %s", b.Debit)
	assert.True(t, b.Credit.Equal(dec("100")), "credit = %s", b.Credit)
	assert.True(t, b.Balance.Equal(dec("250")), "balance = %s", b.Balance)
}

func TestSupplierLedger_IgnoresOtherSuppliersAndRefunds(t *testing.T) {
	txs := []SupplierTransaction{
		{SupplierID: "s1", Type: SupplierSupply, Amount: dec("10")},
		{SupplierID: "s2", Type: SupplierSupply, Amount: dec("999")},
		{SupplierID: "s1", Type: SupplierRefund, Amount: dec("5")},
	}

	b := SupplierLedger(txs, "s1")
	assert.True(t, b.Balance.Equal(dec("10")))
}

func TestSupplierLedger_RecomputedOnEveryRead(t *testing.T) {
	txs := []SupplierTransaction{
		{SupplierID: "s1", Type: SupplierSupply, Amount: dec("100")},
	}
	first := SupplierLedger(txs, "s1")

	txs = append(txs, SupplierTransaction{SupplierID: "s1", Type: SupplierPayment, Amount: dec("40")})
	second := SupplierLedger(txs, "s1")

	assert.True(t, first.Balance.Equal(dec("100")))
	assert.True(t, second.Balance.Equal(dec("60")))
}

func TestTotals_ClampToHalves(t *testing.T) {
	suppliers := []Supplier{{ID: "owed"}, {ID: "prepaid"}, {ID: "flat"}}
	txs := []SupplierTransaction{
		{SupplierID: "owed", Type: SupplierSupply, Amount: dec("250")},
		{SupplierID: "prepaid", Type: SupplierPayment, Amount: dec("80")},
		{SupplierID: "flat", Type: SupplierSupply, Amount: dec("10")},
		{SupplierID: "flat", Type: SupplierPayment, Amount: dec("10")},
	}

	assert.True(t, TotalPayables(suppliers, txs).Equal(dec("250")))
	assert.True(t, TotalPrepaid(suppliers, txs).Equal(dec("80")))
}

func TestCustomerDrift(t *testing.T) {
	c := Customer{ID: "c1", OpeningBalance: dec("200"), Balance: dec("600")}
	sales := []Sale{
		{CustomerID: "c1", Total: dec("1000"), AmountPaid: dec("600")},
		{CustomerID: "other", Total: dec("50"), AmountPaid: dec("0")},
	}

	assert.True(t, CustomerDrift(c, sales).IsZero())

	c.Balance = dec("650")
	assert.True(t, CustomerDrift(c, sales).Equal(dec("50")))

	c.Adjusted = dec("50")
	assert.True(t, CustomerDrift(c, sales).IsZero(), "manual adjustments are part of the derived balance")
}

func TestProduct_LowStock(t *testing.T) {
	assert.True(t, Product{Quantity: 2, MinStockLevel: 5}.LowStock())
	assert.True(t, Product{Quantity: 5, MinStockLevel: 5}.LowStock())
	assert.False(t, Product{Quantity: 6, MinStockLevel: 5}.LowStock())
	assert.False(t, Product{Quantity: 0, MinStockLevel: 0}.LowStock(), "no reorder level set")
}
