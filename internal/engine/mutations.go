package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/ledgersync/internal/ledger"
)

func (e *Engine) validate(c ledger.Collection, schema string, draft any) error {
	if err := e.validator.Validate(schema, draft); err != nil {
		return &Error{
			Code:       ErrCodeValidation,
			Message:    "draft rejected",
			Collection: string(c),
			Err:        err,
		}
	}
	return nil
}

// add runs the single-record create flow shared by collections without
// cascades. stamp fills defaults from the action time.
func add[T ledger.Record](ctx context.Context, e *Engine, action string, b binding[T], rec T, stamp func(*T, time.Time)) (T, error) {
	var zero T

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.begin(action)
	defer t.end()

	if stamp != nil {
		stamp(&rec, t.at)
	}
	out, err := create(t, b, rec)
	if err != nil {
		return zero, err
	}
	if err := t.commit(ctx); err != nil {
		return zero, err
	}
	return out, nil
}

// AddCustomer records a new customer. The draft balance becomes the opening
// balance.
func (e *Engine) AddCustomer(ctx context.Context, draft ledger.Customer) (ledger.Customer, error) {
	draft.Name = ledger.NormalizeText(draft.Name)
	if err := e.validate(ledger.Customers, ledger.SchemaCustomer, draft); err != nil {
		return ledger.Customer{}, err
	}
	return add(ctx, e, "addCustomer", customerTable, draft, func(c *ledger.Customer, at time.Time) {
		c.OpeningBalance = c.Balance
		c.Adjusted = decimal.Zero
		if c.Status == "" {
			c.Status = ledger.StatusActive
		}
		c.CreatedAt = at
	})
}

func (e *Engine) AddSupplier(ctx context.Context, draft ledger.Supplier) (ledger.Supplier, error) {
	draft.Name = ledger.NormalizeText(draft.Name)
	if err := e.validate(ledger.Suppliers, ledger.SchemaSupplier, draft); err != nil {
		return ledger.Supplier{}, err
	}
	return add(ctx, e, "addSupplier", supplierTable, draft, func(s *ledger.Supplier, at time.Time) {
		if s.Status == "" {
			s.Status = ledger.StatusActive
		}
		s.CreatedAt = at
	})
}

// AddProduct records a new product with its opening stock.
func (e *Engine) AddProduct(ctx context.Context, draft ledger.Product) (ledger.Product, error) {
	draft.Name = ledger.NormalizeText(draft.Name)
	if err := e.validate(ledger.Products, ledger.SchemaProduct, draft); err != nil {
		return ledger.Product{}, err
	}
	return add(ctx, e, "addProduct", productTable, draft, func(p *ledger.Product, at time.Time) {
		p.CreatedAt = at
	})
}

// AddExpense records a direct entry in the financial ledger.
func (e *Engine) AddExpense(ctx context.Context, draft ledger.Expense) (ledger.Expense, error) {
	draft.Category = ledger.NormalizeText(draft.Category)
	if err := e.validate(ledger.Expenses, ledger.SchemaExpense, draft); err != nil {
		return ledger.Expense{}, err
	}
	return add(ctx, e, "addExpense", expenseTable, draft, func(x *ledger.Expense, at time.Time) {
		if x.Date.IsZero() {
			x.Date = at
		}
	})
}

func (e *Engine) AddStaffMember(ctx context.Context, draft ledger.StaffMember) (ledger.StaffMember, error) {
	draft.Name = ledger.NormalizeText(draft.Name)
	if err := e.validate(ledger.Staff, ledger.SchemaStaffMember, draft); err != nil {
		return ledger.StaffMember{}, err
	}
	return add(ctx, e, "addStaffMember", staffTable, draft, func(s *ledger.StaffMember, at time.Time) {
		if s.Status == "" {
			s.Status = ledger.StatusActive
		}
		if s.Attendance == nil {
			s.Attendance = []string{}
		}
		s.CreatedAt = at
	})
}

// AddInvitation issues a PENDING invitation under a fresh token.
func (e *Engine) AddInvitation(ctx context.Context, draft ledger.Invitation) (ledger.Invitation, error) {
	draft.Email = ledger.NormalizeText(draft.Email)
	if err := e.validate(ledger.Invitations, ledger.SchemaInvitation, draft); err != nil {
		return ledger.Invitation{}, err
	}
	draft.Token = newInvitationToken()
	return add(ctx, e, "addInvitation", invitationTable, draft, func(i *ledger.Invitation, at time.Time) {
		i.Status = ledger.InvitationPending
		i.CreatedAt = at
	})
}

func (e *Engine) AddUser(ctx context.Context, draft ledger.AppUser) (ledger.AppUser, error) {
	draft.Email = ledger.NormalizeText(draft.Email)
	draft.Name = ledger.NormalizeText(draft.Name)
	if err := e.validate(ledger.Users, ledger.SchemaAppUser, draft); err != nil {
		return ledger.AppUser{}, err
	}
	return add(ctx, e, "addUser", userTable, draft, func(u *ledger.AppUser, at time.Time) {
		u.CreatedAt = at
	})
}

// AdjustCustomerBalance applies a manual correction to a customer's stored
// balance. Positive deltas increase what the customer owes.
func (e *Engine) AdjustCustomerBalance(ctx context.Context, customerID string, delta decimal.Decimal) (ledger.Customer, error) {
	if delta.IsZero() {
		return ledger.Customer{}, validationError(string(ledger.Customers), "balance adjustment must be non-zero")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.begin("adjustCustomerBalance")
	defer t.end()

	t.touch(customerTable)
	c := customerTable.find(e.state, customerID)
	if c == nil {
		return ledger.Customer{}, notFound(string(ledger.Customers), customerID)
	}
	c.Balance = c.Balance.Add(delta)
	c.Adjusted = c.Adjusted.Add(delta)
	updated := *c

	err := t.act(ledger.Customers, customerID, "balance", map[string]any{
		"delta":         delta,
		"adjustedDelta": delta,
	})
	if err != nil {
		return ledger.Customer{}, err
	}
	if err := t.commit(ctx); err != nil {
		return ledger.Customer{}, err
	}
	return updated, nil
}

// MarkAttendance records a staff member as present on a day. Marking the
// same day twice is a no-op.
func (e *Engine) MarkAttendance(ctx context.Context, a ledger.Attendance) (ledger.StaffMember, error) {
	if err := e.validate(ledger.Staff, ledger.SchemaAttendance, a); err != nil {
		return ledger.StaffMember{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := staffTable.find(e.state, a.StaffID)
	if s == nil {
		return ledger.StaffMember{}, notFound(string(ledger.Staff), a.StaffID)
	}
	if s.Present(a.Date) {
		return *s, nil
	}

	t := e.begin("markAttendance")
	defer t.end()

	t.touch(staffTable)
	s = staffTable.find(e.state, a.StaffID)
	days := make([]string, 0, len(s.Attendance)+1)
	days = append(days, s.Attendance...)
	s.Attendance = append(days, a.Date)
	updated := *s

	if err := t.act(ledger.Staff, a.StaffID, "attendance", map[string]any{"date": a.Date}); err != nil {
		return ledger.StaffMember{}, err
	}
	if err := t.commit(ctx); err != nil {
		return ledger.StaffMember{}, err
	}
	return updated, nil
}

func checkStatus(c ledger.Collection, status string) error {
	switch status {
	case ledger.StatusActive, ledger.StatusInactive:
		return nil
	default:
		return validationError(string(c), "status must be %s or %s, got %q",
			ledger.StatusActive, ledger.StatusInactive, status)
	}
}

// SetStaffStatus activates or deactivates a staff member.
func (e *Engine) SetStaffStatus(ctx context.Context, staffID, status string) (ledger.StaffMember, error) {
	if err := checkStatus(ledger.Staff, status); err != nil {
		return ledger.StaffMember{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := staffTable.find(e.state, staffID)
	if s == nil {
		return ledger.StaffMember{}, notFound(string(ledger.Staff), staffID)
	}
	if s.Status == status {
		return *s, nil
	}

	t := e.begin("setStaffStatus")
	defer t.end()

	t.touch(staffTable)
	s = staffTable.find(e.state, staffID)
	s.Status = status
	updated := *s

	if err := t.act(ledger.Staff, staffID, "status", map[string]any{"status": status}); err != nil {
		return ledger.StaffMember{}, err
	}
	if err := t.commit(ctx); err != nil {
		return ledger.StaffMember{}, err
	}
	return updated, nil
}

// SetSupplierStatus activates or deactivates a supplier. Its transaction
// history and derived balance are unaffected.
func (e *Engine) SetSupplierStatus(ctx context.Context, supplierID, status string) (ledger.Supplier, error) {
	if err := checkStatus(ledger.Suppliers, status); err != nil {
		return ledger.Supplier{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := supplierTable.find(e.state, supplierID)
	if s == nil {
		return ledger.Supplier{}, notFound(string(ledger.Suppliers), supplierID)
	}
	if s.Status == status {
		return *s, nil
	}

	t := e.begin("setSupplierStatus")
	defer t.end()

	t.touch(supplierTable)
	s = supplierTable.find(e.state, supplierID)
	s.Status = status
	updated := *s

	if err := t.act(ledger.Suppliers, supplierID, "status", map[string]any{"status": status}); err != nil {
		return ledger.Supplier{}, err
	}
	if err := t.commit(ctx); err != nil {
		return ledger.Supplier{}, err
	}
	return updated, nil
}

// AcceptInvitation marks an invitation ACCEPTED.
func (e *Engine) AcceptInvitation(ctx context.Context, token string) (ledger.Invitation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inv := invitationTable.find(e.state, token)
	if inv == nil {
		return ledger.Invitation{}, notFound(string(ledger.Invitations), token)
	}
	if inv.Status == ledger.InvitationAccepted {
		return *inv, nil
	}

	t := e.begin("acceptInvitation")
	defer t.end()

	t.touch(invitationTable)
	inv = invitationTable.find(e.state, token)
	inv.Status = ledger.InvitationAccepted
	updated := *inv

	if err := t.act(ledger.Invitations, token, "accept", map[string]any{}); err != nil {
		return ledger.Invitation{}, err
	}
	if err := t.commit(ctx); err != nil {
		return ledger.Invitation{}, err
	}
	return updated, nil
}

// RevokeInvitation deletes an invitation. If its create has not been
// delivered yet, nothing is sent at all.
func (e *Engine) RevokeInvitation(ctx context.Context, token string) error {
	return e.hardDelete(ctx, "revokeInvitation", invitationTable, token)
}

// RemoveUser deletes an application user.
func (e *Engine) RemoveUser(ctx context.Context, userID string) error {
	return e.hardDelete(ctx, "removeUser", userTable, userID)
}

func (e *Engine) hardDelete(ctx context.Context, action string, tb table, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.begin(action)
	defer t.end()

	if !t.remove(tb, id) {
		return notFound(string(tb.collection()), id)
	}
	return t.commit(ctx)
}
