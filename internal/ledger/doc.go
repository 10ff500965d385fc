// Package ledger defines the business entities tracked by ledgersync and the
// pure calculations over them.
//
// Entities are plain structs keyed by an opaque string identity. Money is held
// as decimal.Decimal so that running totals never drift; stock quantities are
// signed int64 deltas applied to Product.Quantity.
//
// Two balance models coexist:
//   - Customer.Balance is a stored running total, mutated by sale cascades and
//     manual adjustments.
//   - Supplier balances are never stored; SupplierLedger folds the
//     SupplierTransaction stream on every read.
//
// CustomerDrift recomputes the customer balance from the sale stream so the
// stored value can be checked against the derived one.
package ledger
