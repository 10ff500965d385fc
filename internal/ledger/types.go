package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity status values shared by customers, suppliers and staff.
const (
	StatusActive   = "ACTIVE"
	StatusInactive = "INACTIVE"
)

type Customer struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"`
	Phone      string          `json:"phone,omitempty"`
	TotalSpent decimal.Decimal `json:"totalSpent"`
	// Balance is what the customer owes. It is a stored running total.
	Balance decimal.Decimal `json:"balance"`
	// OpeningBalance and Adjusted let CustomerDrift rebuild Balance from the
	// sale stream.
	OpeningBalance decimal.Decimal `json:"openingBalance"`
	Adjusted       decimal.Decimal `json:"adjusted"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func (c Customer) RecordID() string   { return c.ID }
func (c Customer) Recency() time.Time { return c.CreatedAt }

// Supplier carries no balance; see SupplierLedger.
type Supplier struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Contact   string    `json:"contact,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s Supplier) RecordID() string   { return s.ID }
func (s Supplier) Recency() time.Time { return s.CreatedAt }

type Product struct {
	ID            string          `json:"id,omitempty"`
	Name          string          `json:"name"`
	SKU           string          `json:"sku,omitempty"`
	Quantity      int64           `json:"quantity"`
	Cost          decimal.Decimal `json:"cost"`
	Price         decimal.Decimal `json:"price"`
	MinStockLevel int64           `json:"minStockLevel"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (p Product) RecordID() string   { return p.ID }
func (p Product) Recency() time.Time { return p.CreatedAt }

// LowStock reports whether the product is at or below its reorder level.
func (p Product) LowStock() bool {
	return p.MinStockLevel > 0 && p.Quantity <= p.MinStockLevel
}

type SaleItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name,omitempty"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Sale is append-only.
type Sale struct {
	ID            string          `json:"id,omitempty"`
	Items         []SaleItem      `json:"items"`
	Total         decimal.Decimal `json:"total"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
	CustomerID    string          `json:"customerId,omitempty"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	Date          time.Time       `json:"date"`
}

func (s Sale) RecordID() string   { return s.ID }
func (s Sale) Recency() time.Time { return s.Date }

// Outstanding is the part of the sale charged to the customer's balance.
func (s Sale) Outstanding() decimal.Decimal {
	return s.Total.Sub(s.AmountPaid)
}

type ExpenseType string

const (
	ExpenseTypeExpense ExpenseType = "EXPENSE"
	ExpenseTypeDeposit ExpenseType = "DEPOSIT"
	ExpenseTypeDebit   ExpenseType = "DEBIT"
)

// Expense is the unified financial ledger. Supplier payments, supplier fees
// and payroll entries are mirrored here; SourceID links a mirror back to the
// record that produced it.
type Expense struct {
	ID          string          `json:"id,omitempty"`
	Type        ExpenseType     `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	SupplierID  string          `json:"supplierId,omitempty"`
	SourceID    string          `json:"sourceId,omitempty"`
	Date        time.Time       `json:"date"`
}

func (e Expense) RecordID() string   { return e.ID }
func (e Expense) Recency() time.Time { return e.Date }

type SupplierTransactionType string

const (
	SupplierSupply  SupplierTransactionType = "SUPPLY"
	SupplierPayment SupplierTransactionType = "PAYMENT"
	SupplierExpense SupplierTransactionType = "EXPENSE"
	SupplierRefund  SupplierTransactionType = "REFUND"
)

type SupplyItem struct {
	ProductID string          `json:"productId"`
	Quantity  int64           `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unitCost"`
}

type SupplierTransaction struct {
	ID         string                  `json:"id,omitempty"`
	SupplierID string                  `json:"supplierId"`
	Type       SupplierTransactionType `json:"type"`
	Amount     decimal.Decimal         `json:"amount"`
	Items      []SupplyItem            `json:"items,omitempty"`
	Note       string                  `json:"note,omitempty"`
	Date       time.Time               `json:"date"`
}

func (t SupplierTransaction) RecordID() string   { return t.ID }
func (t SupplierTransaction) Recency() time.Time { return t.Date }

type MovementType string

const (
	MovementSale       MovementType = "SALE"
	MovementSupply     MovementType = "SUPPLY"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementCorrection MovementType = "CORRECTION"
	MovementTransfer   MovementType = "TRANSFER"
	MovementDamage     MovementType = "DAMAGE"
	MovementLoss       MovementType = "LOSS"
)

// StockMovement mirrors one signed change of Product.Quantity.
type StockMovement struct {
	ID        string       `json:"id,omitempty"`
	ProductID string       `json:"productId"`
	Type      MovementType `json:"type"`
	Quantity  int64        `json:"quantity"`
	Reason    string       `json:"reason,omitempty"`
	CascadeID string       `json:"cascadeId,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func (m StockMovement) RecordID() string   { return m.ID }
func (m StockMovement) Recency() time.Time { return m.Timestamp }

type PayrollEntry struct {
	ID      string          `json:"id,omitempty"`
	StaffID string          `json:"staffId"`
	Amount  decimal.Decimal `json:"amount"`
	Period  string          `json:"period"`
	Date    time.Time       `json:"date"`
}

func (p PayrollEntry) RecordID() string   { return p.ID }
func (p PayrollEntry) Recency() time.Time { return p.Date }

type StaffMember struct {
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name"`
	Role       string    `json:"role,omitempty"`
	Status     string    `json:"status"`
	Attendance []string  `json:"attendance"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s StaffMember) RecordID() string   { return s.ID }
func (s StaffMember) Recency() time.Time { return s.CreatedAt }

// Present reports whether attendance has been marked for day.
func (s StaffMember) Present(day string) bool {
	for _, d := range s.Attendance {
		if d == day {
			return true
		}
	}
	return false
}

const (
	InvitationPending  = "PENDING"
	InvitationAccepted = "ACCEPTED"
)

// Invitation is keyed by its token rather than an id.
type Invitation struct {
	Token     string    `json:"token"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func (i Invitation) RecordID() string   { return i.Token }
func (i Invitation) Recency() time.Time { return i.CreatedAt }

type AppUser struct {
	ID        string    `json:"id,omitempty"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func (u AppUser) RecordID() string   { return u.ID }
func (u AppUser) Recency() time.Time { return u.CreatedAt }
