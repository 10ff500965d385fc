// Package report renders the derived balances of the local ledger.
//
// Build folds a read-only view of the ledger into a Summary; WriteText and
// WriteWorkbook render it for a terminal or a spreadsheet.
package report

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/roach88/ledgersync/internal/ledger"
)

// Source is the read side of the engine. *engine.Engine implements it.
type Source interface {
	Suppliers() []ledger.Supplier
	SupplierTransactions() []ledger.SupplierTransaction
	Customers() []ledger.Customer
	Sales() []ledger.Sale
	Products() []ledger.Product
	LastSync() (time.Time, bool)
}

type SupplierLine struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Status  string          `json:"status"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
	Balance decimal.Decimal `json:"balance"`
}

// CustomerLine carries the stored balance and its drift from the balance
// rebuilt from sales. A non-zero Drift points at a lost or duplicated write.
type CustomerLine struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Balance    decimal.Decimal `json:"balance"`
	TotalSpent decimal.Decimal `json:"totalSpent"`
	Drift      decimal.Decimal `json:"drift"`
}

type StockLine struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Quantity      int64  `json:"quantity"`
	MinStockLevel int64  `json:"minStockLevel"`
}

// Summary is a point-in-time report of every derived balance.
type Summary struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	LastSync    *time.Time     `json:"lastSync,omitempty"`
	Suppliers   []SupplierLine `json:"suppliers"`
	Customers   []CustomerLine `json:"customers"`
	LowStock    []StockLine    `json:"lowStock"`
	// Payables is owed to suppliers, Prepaid is held with them.
	Payables decimal.Decimal `json:"payables"`
	Prepaid  decimal.Decimal `json:"prepaid"`
	// Receivables is the sum of positive customer balances.
	Receivables decimal.Decimal `json:"receivables"`
}

// Build computes a Summary from src. Lines are ordered by name.
func Build(src Source, at time.Time) Summary {
	s := Summary{
		GeneratedAt: at,
		Suppliers:   []SupplierLine{},
		Customers:   []CustomerLine{},
		LowStock:    []StockLine{},
	}
	if last, ok := src.LastSync(); ok {
		s.LastSync = &last
	}

	suppliers := src.Suppliers()
	txs := src.SupplierTransactions()
	for _, sup := range suppliers {
		b := ledger.SupplierLedger(txs, sup.ID)
		s.Suppliers = append(s.Suppliers, SupplierLine{
			ID:      sup.ID,
			Name:    sup.Name,
			Status:  sup.Status,
			Debit:   b.Debit,
			Credit:  b.Credit,
			Balance: b.Balance,
		})
	}
	s.Payables = ledger.TotalPayables(suppliers, txs)
	s.Prepaid = ledger.TotalPrepaid(suppliers, txs)

	sales := src.Sales()
	s.Receivables = decimal.Zero
	for _, c := range src.Customers() {
		s.Customers = append(s.Customers, CustomerLine{
			ID:         c.ID,
			Name:       c.Name,
			Balance:    c.Balance,
			TotalSpent: c.TotalSpent,
			Drift:      ledger.CustomerDrift(c, sales),
		})
		if c.Balance.IsPositive() {
			s.Receivables = s.Receivables.Add(c.Balance)
		}
	}

	for _, p := range src.Products() {
		if p.LowStock() {
			s.LowStock = append(s.LowStock, StockLine{
				ID:            p.ID,
				Name:          p.Name,
				Quantity:      p.Quantity,
				MinStockLevel: p.MinStockLevel,
			})
		}
	}

	col := collate.New(language.English, collate.IgnoreCase)
	byName := func(a, b, idA, idB string) bool {
		if c := col.CompareString(a, b); c != 0 {
			return c < 0
		}
		return idA < idB
	}
	sort.SliceStable(s.Suppliers, func(i, j int) bool {
		return byName(s.Suppliers[i].Name, s.Suppliers[j].Name, s.Suppliers[i].ID, s.Suppliers[j].ID)
	})
	sort.SliceStable(s.Customers, func(i, j int) bool {
		return byName(s.Customers[i].Name, s.Customers[j].Name, s.Customers[i].ID, s.Customers[j].ID)
	})
	sort.SliceStable(s.LowStock, func(i, j int) bool {
		return byName(s.LowStock[i].Name, s.LowStock[j].Name, s.LowStock[i].ID, s.LowStock[j].ID)
	})
	return s
}

// Drifting returns the customers whose stored balance disagrees with their
// sales.
func (s Summary) Drifting() []CustomerLine {
	var out []CustomerLine
	for _, c := range s.Customers {
		if !c.Drift.IsZero() {
			out = append(out, c)
		}
	}
	return out
}
