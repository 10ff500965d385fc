package ledger

import "github.com/shopspring/decimal"

// Balance is the folded position of one supplier. A positive Balance is owed
// to the supplier; a negative one is prepaid credit held with them.
type Balance struct {
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
	Balance decimal.Decimal `json:"balance"`
}

// SupplierLedger folds the transaction stream for one supplier. SUPPLY and
// EXPENSE accumulate debit, PAYMENT accumulates credit, REFUND is ignored.
// Nothing is cached: callers recompute on every read.
func SupplierLedger(txs []SupplierTransaction, supplierID string) Balance {
	debit := decimal.Zero
	credit := decimal.Zero
	for _, tx := range txs {
		if tx.SupplierID != supplierID {
			continue
		}
		switch tx.Type {
		case SupplierSupply, SupplierExpense:
			debit = debit.Add(tx.Amount)
		case SupplierPayment:
			credit = credit.Add(tx.Amount)
		}
	}
	return Balance{Debit: debit, Credit: credit, Balance: debit.Sub(credit)}
}

// TotalPayables sums the positive supplier balances.
func TotalPayables(suppliers []Supplier, txs []SupplierTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, s := range suppliers {
		if b := SupplierLedger(txs, s.ID).Balance; b.IsPositive() {
			total = total.Add(b)
		}
	}
	return total
}

// TotalPrepaid sums the magnitude of negative supplier balances.
func TotalPrepaid(suppliers []Supplier, txs []SupplierTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, s := range suppliers {
		if b := SupplierLedger(txs, s.ID).Balance; b.IsNegative() {
			total = total.Add(b.Abs())
		}
	}
	return total
}

// DerivedCustomerBalance rebuilds a customer's balance from its opening
// value, manual adjustments and the outstanding part of every sale.
func DerivedCustomerBalance(c Customer, sales []Sale) decimal.Decimal {
	balance := c.OpeningBalance.Add(c.Adjusted)
	for _, s := range sales {
		if s.CustomerID == c.ID {
			balance = balance.Add(s.Outstanding())
		}
	}
	return balance
}

// CustomerDrift is the stored balance minus the derived one. Zero means the
// running total agrees with the sale stream.
func CustomerDrift(c Customer, sales []Sale) decimal.Decimal {
	return c.Balance.Sub(DerivedCustomerBalance(c, sales))
}
