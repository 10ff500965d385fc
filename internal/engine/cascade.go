package engine

import (
	"context"

	"github.com/roach88/ledgersync/internal/ledger"
)

// Mirrored expense categories. The supplier name identifies where the entry
// came from.
const (
	categorySupplierPayment = "Supplier Payment: "
	categorySupplierFee     = "Supplier Fee: "
	categoryPayroll         = "Payroll"
)

// adjustStock is the only way product quantity changes. Every call queues
// the remote adjustment and appends a StockMovement of the same signed
// delta. Quantities may go negative; the ledger records what happened.
func (t *txn) adjustStock(productID string, delta int64, kind ledger.MovementType, reason string) (ledger.Product, error) {
	t.touch(productTable)
	p := productTable.find(t.e.state, productID)
	if p == nil {
		return ledger.Product{}, notFound(string(ledger.Products), productID)
	}
	p.Quantity += delta
	updated := *p

	err := t.act(ledger.Products, productID, "adjust", map[string]any{
		"delta":  delta,
		"type":   kind,
		"reason": reason,
	})
	if err != nil {
		return ledger.Product{}, err
	}

	_, err = create(t, movementTable, ledger.StockMovement{
		ProductID: productID,
		Type:      kind,
		Quantity:  delta,
		Reason:    reason,
		CascadeID: t.cascadeID,
		Timestamp: t.at,
	})
	if err != nil {
		return ledger.Product{}, err
	}
	return updated, nil
}

// chargeCustomer adds the unpaid part of a sale to the customer's stored
// balance and the sale total to their lifetime spend.
func (t *txn) chargeCustomer(sale ledger.Sale) error {
	t.touch(customerTable)
	c := customerTable.find(t.e.state, sale.CustomerID)
	if c == nil {
		return notFound(string(ledger.Customers), sale.CustomerID)
	}
	outstanding := sale.Outstanding()
	c.Balance = c.Balance.Add(outstanding)
	c.TotalSpent = c.TotalSpent.Add(sale.Total)

	return t.act(ledger.Customers, c.ID, "balance", map[string]any{
		"delta":           outstanding,
		"totalSpentDelta": sale.Total,
	})
}

// mirrorExpense writes the financial-ledger entry for a record that moves
// money outside the expense collection.
func (t *txn) mirrorExpense(x ledger.Expense) (ledger.Expense, error) {
	x.Type = ledger.ExpenseTypeExpense
	return create(t, expenseTable, x)
}

// AddSale records a sale and applies its cascade: one stock decrement per
// line item and, for a named customer, a balance charge.
func (e *Engine) AddSale(ctx context.Context, draft ledger.Sale) (ledger.Sale, error) {
	if err := e.validate(ledger.Sales, ledger.SchemaSale, draft); err != nil {
		return ledger.Sale{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, it := range draft.Items {
		if productTable.find(e.state, it.ProductID) == nil {
			return ledger.Sale{}, notFound(string(ledger.Products), it.ProductID)
		}
	}
	if draft.CustomerID != "" && customerTable.find(e.state, draft.CustomerID) == nil {
		return ledger.Sale{}, notFound(string(ledger.Customers), draft.CustomerID)
	}

	t := e.begin("addSale")
	defer t.end()

	if draft.Date.IsZero() {
		draft.Date = t.at
	}
	draft.Items = append([]ledger.SaleItem(nil), draft.Items...)
	sale, err := create(t, saleTable, draft)
	if err != nil {
		return ledger.Sale{}, err
	}

	for _, it := range sale.Items {
		if _, err := t.adjustStock(it.ProductID, -it.Quantity, ledger.MovementSale, "Sale"); err != nil {
			return ledger.Sale{}, err
		}
	}
	if sale.CustomerID != "" {
		if err := t.chargeCustomer(sale); err != nil {
			return ledger.Sale{}, err
		}
	}

	if err := t.commit(ctx); err != nil {
		return ledger.Sale{}, err
	}
	return sale, nil
}

// AddSupplierTransaction appends to a supplier's transaction stream.
// Payments and fees are mirrored into the expense ledger; supplies with
// items restock each product.
func (e *Engine) AddSupplierTransaction(ctx context.Context, draft ledger.SupplierTransaction) (ledger.SupplierTransaction, error) {
	draft.Note = ledger.NormalizeText(draft.Note)
	if err := e.validate(ledger.SupplierTransactions, ledger.SchemaSupplierTransaction, draft); err != nil {
		return ledger.SupplierTransaction{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	supplier := supplierTable.find(e.state, draft.SupplierID)
	if supplier == nil {
		return ledger.SupplierTransaction{}, notFound(string(ledger.Suppliers), draft.SupplierID)
	}
	for _, it := range draft.Items {
		if productTable.find(e.state, it.ProductID) == nil {
			return ledger.SupplierTransaction{}, notFound(string(ledger.Products), it.ProductID)
		}
	}
	name := supplier.Name

	t := e.begin("addSupplierTransaction")
	defer t.end()

	if draft.Date.IsZero() {
		draft.Date = t.at
	}
	draft.Items = append([]ledger.SupplyItem(nil), draft.Items...)
	stx, err := create(t, supplierTxTable, draft)
	if err != nil {
		return ledger.SupplierTransaction{}, err
	}

	switch stx.Type {
	case ledger.SupplierPayment, ledger.SupplierExpense:
		category := categorySupplierPayment + name
		if stx.Type == ledger.SupplierExpense {
			category = categorySupplierFee + name
		}
		_, err = t.mirrorExpense(ledger.Expense{
			Amount:      stx.Amount,
			Category:    category,
			Description: stx.Note,
			SupplierID:  stx.SupplierID,
			SourceID:    stx.ID,
			Date:        stx.Date,
		})
		if err != nil {
			return ledger.SupplierTransaction{}, err
		}

	case ledger.SupplierSupply:
		for _, it := range stx.Items {
			if _, err := t.adjustStock(it.ProductID, it.Quantity, ledger.MovementSupply, "Supply"); err != nil {
				return ledger.SupplierTransaction{}, err
			}
		}
	}

	if err := t.commit(ctx); err != nil {
		return ledger.SupplierTransaction{}, err
	}
	return stx, nil
}

// AddPayrollEntry records a payment to a staff member and mirrors it into
// the expense ledger.
func (e *Engine) AddPayrollEntry(ctx context.Context, draft ledger.PayrollEntry) (ledger.PayrollEntry, error) {
	draft.Period = ledger.NormalizeText(draft.Period)
	if err := e.validate(ledger.Payroll, ledger.SchemaPayrollEntry, draft); err != nil {
		return ledger.PayrollEntry{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	staff := staffTable.find(e.state, draft.StaffID)
	if staff == nil {
		return ledger.PayrollEntry{}, notFound(string(ledger.Staff), draft.StaffID)
	}
	staffName := staff.Name

	t := e.begin("addPayrollEntry")
	defer t.end()

	if draft.Date.IsZero() {
		draft.Date = t.at
	}
	entry, err := create(t, payrollTable, draft)
	if err != nil {
		return ledger.PayrollEntry{}, err
	}
	_, err = t.mirrorExpense(ledger.Expense{
		Amount:      entry.Amount,
		Category:    categoryPayroll,
		Description: staffName + " " + entry.Period,
		SourceID:    entry.ID,
		Date:        entry.Date,
	})
	if err != nil {
		return ledger.PayrollEntry{}, err
	}

	if err := t.commit(ctx); err != nil {
		return ledger.PayrollEntry{}, err
	}
	return entry, nil
}

// stockChange runs one adjustStock call as its own user action.
func (e *Engine) stockChange(ctx context.Context, action string, adj ledger.StockAdjustment) (ledger.Product, error) {
	adj.Reason = ledger.NormalizeText(adj.Reason)
	if err := e.validate(ledger.Products, ledger.SchemaStockAdjustment, adj); err != nil {
		return ledger.Product{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.begin(action)
	defer t.end()

	p, err := t.adjustStock(adj.ProductID, adj.Quantity, adj.Type, adj.Reason)
	if err != nil {
		return ledger.Product{}, err
	}
	if err := t.commit(ctx); err != nil {
		return ledger.Product{}, err
	}
	return p, nil
}

// AdjustStock applies a signed stock change.
func (e *Engine) AdjustStock(ctx context.Context, adj ledger.StockAdjustment) (ledger.Product, error) {
	if adj.Type == "" {
		adj.Type = ledger.MovementAdjustment
	}
	return e.stockChange(ctx, "adjustStock", adj)
}

// CorrectStock sets a product's quantity to a counted value, recording the
// difference as a CORRECTION.
func (e *Engine) CorrectStock(ctx context.Context, productID string, counted int64, reason string) (ledger.Product, error) {
	if counted < 0 {
		return ledger.Product{}, validationError(string(ledger.Products), "counted quantity must not be negative")
	}
	reason = ledger.NormalizeText(reason)

	e.mu.Lock()
	defer e.mu.Unlock()

	p := productTable.find(e.state, productID)
	if p == nil {
		return ledger.Product{}, notFound(string(ledger.Products), productID)
	}
	delta := counted - p.Quantity
	if delta == 0 {
		return ledger.Product{}, validationError(string(ledger.Products), "counted quantity equals current stock")
	}

	t := e.begin("correctStock")
	defer t.end()

	updated, err := t.adjustStock(productID, delta, ledger.MovementCorrection, reason)
	if err != nil {
		return ledger.Product{}, err
	}
	if err := t.commit(ctx); err != nil {
		return ledger.Product{}, err
	}
	return updated, nil
}

// RecordDamage removes damaged units from stock.
func (e *Engine) RecordDamage(ctx context.Context, productID string, qty int64, reason string) (ledger.Product, error) {
	return e.stockLoss(ctx, "recordDamage", productID, qty, ledger.MovementDamage, reason)
}

// RecordLoss removes lost or stolen units from stock.
func (e *Engine) RecordLoss(ctx context.Context, productID string, qty int64, reason string) (ledger.Product, error) {
	return e.stockLoss(ctx, "recordLoss", productID, qty, ledger.MovementLoss, reason)
}

func (e *Engine) stockLoss(ctx context.Context, action, productID string, qty int64, kind ledger.MovementType, reason string) (ledger.Product, error) {
	if qty <= 0 {
		return ledger.Product{}, validationError(string(ledger.Products), "quantity must be positive")
	}
	return e.stockChange(ctx, action, ledger.StockAdjustment{
		ProductID: productID,
		Quantity:  -qty,
		Type:      kind,
		Reason:    reason,
	})
}

// TransferStock moves qty units from one product record to another, such as
// between two locations stocked as separate products. Both sides belong to
// one cascade.
func (e *Engine) TransferStock(ctx context.Context, fromID, toID string, qty int64, reason string) (from, to ledger.Product, err error) {
	if qty <= 0 {
		return from, to, validationError(string(ledger.Products), "quantity must be positive")
	}
	if fromID == toID {
		return from, to, validationError(string(ledger.Products), "cannot transfer a product to itself")
	}
	reason = ledger.NormalizeText(reason)

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.begin("transferStock")
	defer t.end()

	if from, err = t.adjustStock(fromID, -qty, ledger.MovementTransfer, reason); err != nil {
		return ledger.Product{}, ledger.Product{}, err
	}
	if to, err = t.adjustStock(toID, qty, ledger.MovementTransfer, reason); err != nil {
		return ledger.Product{}, ledger.Product{}, err
	}
	if err = t.commit(ctx); err != nil {
		return ledger.Product{}, ledger.Product{}, err
	}
	return from, to, nil
}
