package engine

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/roach88/ledgersync/internal/ledger"
)

// State is the in-memory read model of every collection. Slices are ordered
// newest first.
type State struct {
	Customers            []ledger.Customer            `json:"customers"`
	Suppliers            []ledger.Supplier            `json:"suppliers"`
	Products             []ledger.Product             `json:"products"`
	Sales                []ledger.Sale                `json:"sales"`
	Expenses             []ledger.Expense             `json:"expenses"`
	SupplierTransactions []ledger.SupplierTransaction `json:"supplierTransactions"`
	StockMovements       []ledger.StockMovement       `json:"stockMovements"`
	Payroll              []ledger.PayrollEntry        `json:"payroll"`
	Staff                []ledger.StaffMember         `json:"staff"`
	Invitations          []ledger.Invitation          `json:"invitations"`
	Users                []ledger.AppUser             `json:"users"`
	LastSync             *time.Time                   `json:"lastSync,omitempty"`
}

// emptyState returns a State whose collections are non-nil, so they encode
// as [] rather than null.
func emptyState() *State {
	s := &State{}
	for _, t := range tables {
		t.reset(s)
	}
	return s
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	out := &State{}
	for _, t := range tables {
		t.restore(out, t.clone(s))
	}
	if s.LastSync != nil {
		ls := *s.LastSync
		out.LastSync = &ls
	}
	return out
}

// table is the type-erased view of one collection binding.
type table interface {
	collection() ledger.Collection
	length(s *State) int
	reset(s *State)
	marshal(s *State) ([]byte, error)
	unmarshal(s *State, data []byte) error
	clone(s *State) any
	restore(s *State, saved any)
	ids(s *State) []string
	// identity decodes a server record and returns its identity.
	identity(raw json.RawMessage) (string, error)
	// replaceAll installs remote records sorted newest first. Local records
	// for which keep returns true are retained ahead of them and win over a
	// remote record with the same identity. It returns how many local
	// records were dropped.
	replaceAll(s *State, raws []json.RawMessage, keep func(id string) bool) (int, error)
	// reconcile swaps the record with identity tempID for the server's
	// record. When identityOnly is set, only the identity changes.
	reconcile(s *State, tempID string, raw json.RawMessage, identityOnly bool) (string, bool, error)
	// apply replaces the local record matching the server record's identity.
	apply(s *State, raw json.RawMessage) (bool, error)
	// remap rewrites references to oldID held by records of this collection.
	remap(s *State, oldID, newID string) bool
	remove(s *State, id string) bool
}

// binding implements table for one record type.
type binding[T ledger.Record] struct {
	coll   ledger.Collection
	slice  func(*State) *[]T
	withID func(T, string) T
	// refs rewrites references to other records; nil when the type holds
	// none.
	refs func(*T, string, string) bool
	// dup copies the nested slices of a record; nil when it holds none.
	dup func(T) T
}

func (b binding[T]) collection() ledger.Collection { return b.coll }

func (b binding[T]) length(s *State) int { return len(*b.slice(s)) }

func (b binding[T]) reset(s *State) { *b.slice(s) = []T{} }

func (b binding[T]) marshal(s *State) ([]byte, error) {
	return json.Marshal(*b.slice(s))
}

func (b binding[T]) unmarshal(s *State, data []byte) error {
	var recs []T
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("decode %s: %w", b.coll, err)
	}
	if recs == nil {
		recs = []T{}
	}
	*b.slice(s) = recs
	return nil
}

// clone returns a copy of the collection that shares no memory with s.
func (b binding[T]) clone(s *State) any {
	src := *b.slice(s)
	out := make([]T, len(src))
	copy(out, src)
	if b.dup != nil {
		for i := range out {
			out[i] = b.dup(out[i])
		}
	}
	return out
}

func (b binding[T]) restore(s *State, saved any) {
	*b.slice(s) = saved.([]T)
}

func (b binding[T]) ids(s *State) []string {
	recs := *b.slice(s)
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.RecordID()
	}
	return out
}

func (b binding[T]) decode(raw json.RawMessage) (T, error) {
	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode %s record: %w", b.coll, err)
	}
	if rec.RecordID() == "" {
		return rec, fmt.Errorf("decode %s record: missing identity", b.coll)
	}
	return rec, nil
}

func (b binding[T]) identity(raw json.RawMessage) (string, error) {
	rec, err := b.decode(raw)
	if err != nil {
		return "", err
	}
	return rec.RecordID(), nil
}

func (b binding[T]) index(s *State, id string) int {
	for i, r := range *b.slice(s) {
		if r.RecordID() == id {
			return i
		}
	}
	return -1
}

func (b binding[T]) replaceAll(s *State, raws []json.RawMessage, keep func(string) bool) (int, error) {
	remote := make([]T, 0, len(raws))
	for _, raw := range raws {
		rec, err := b.decode(raw)
		if err != nil {
			return 0, err
		}
		remote = append(remote, rec)
	}
	sort.SliceStable(remote, func(i, j int) bool {
		return remote[i].Recency().After(remote[j].Recency())
	})

	local := *b.slice(s)
	kept := make([]T, 0)
	keptIDs := map[string]bool{}
	for _, r := range local {
		if keep != nil && keep(r.RecordID()) {
			kept = append(kept, r)
			keptIDs[r.RecordID()] = true
		}
	}
	// Records the server returned are not counted as dropped.
	seen := make(map[string]bool, len(remote))
	for _, r := range remote {
		seen[r.RecordID()] = true
	}
	dropped := 0
	for _, r := range local {
		if !keptIDs[r.RecordID()] && !seen[r.RecordID()] {
			dropped++
		}
	}

	out := kept
	for _, r := range remote {
		if !keptIDs[r.RecordID()] {
			out = append(out, r)
		}
	}
	*b.slice(s) = out
	return dropped, nil
}

func (b binding[T]) reconcile(s *State, tempID string, raw json.RawMessage, identityOnly bool) (string, bool, error) {
	server, err := b.decode(raw)
	if err != nil {
		return "", false, err
	}
	i := b.index(s, tempID)
	if i < 0 {
		return server.RecordID(), false, nil
	}
	recs := *b.slice(s)
	if identityOnly {
		recs[i] = b.withID(recs[i], server.RecordID())
	} else {
		recs[i] = server
	}
	return server.RecordID(), true, nil
}

func (b binding[T]) apply(s *State, raw json.RawMessage) (bool, error) {
	server, err := b.decode(raw)
	if err != nil {
		return false, err
	}
	i := b.index(s, server.RecordID())
	if i < 0 {
		return false, nil
	}
	(*b.slice(s))[i] = server
	return true, nil
}

func (b binding[T]) remap(s *State, oldID, newID string) bool {
	if b.refs == nil {
		return false
	}
	changed := false
	recs := *b.slice(s)
	for i := range recs {
		if b.refs(&recs[i], oldID, newID) {
			changed = true
		}
	}
	return changed
}

func (b binding[T]) remove(s *State, id string) bool {
	i := b.index(s, id)
	if i < 0 {
		return false
	}
	recs := *b.slice(s)
	out := make([]T, 0, len(recs)-1)
	out = append(out, recs[:i]...)
	out = append(out, recs[i+1:]...)
	*b.slice(s) = out
	return true
}

// prepend inserts rec at the front of the collection.
func (b binding[T]) prepend(s *State, rec T) {
	recs := *b.slice(s)
	out := make([]T, 0, len(recs)+1)
	out = append(out, rec)
	out = append(out, recs...)
	*b.slice(s) = out
}

// find returns a pointer to the record with identity id, or nil.
func (b binding[T]) find(s *State, id string) *T {
	i := b.index(s, id)
	if i < 0 {
		return nil
	}
	return &(*b.slice(s))[i]
}

func swap(field *string, oldID, newID string) bool {
	if *field != oldID {
		return false
	}
	*field = newID
	return true
}

var (
	customerTable = binding[ledger.Customer]{
		coll:   ledger.Customers,
		slice:  func(s *State) *[]ledger.Customer { return &s.Customers },
		withID: func(r ledger.Customer, id string) ledger.Customer { r.ID = id; return r },
	}
	supplierTable = binding[ledger.Supplier]{
		coll:   ledger.Suppliers,
		slice:  func(s *State) *[]ledger.Supplier { return &s.Suppliers },
		withID: func(r ledger.Supplier, id string) ledger.Supplier { r.ID = id; return r },
	}
	productTable = binding[ledger.Product]{
		coll:   ledger.Products,
		slice:  func(s *State) *[]ledger.Product { return &s.Products },
		withID: func(r ledger.Product, id string) ledger.Product { r.ID = id; return r },
	}
	saleTable = binding[ledger.Sale]{
		coll:   ledger.Sales,
		slice:  func(s *State) *[]ledger.Sale { return &s.Sales },
		withID: func(r ledger.Sale, id string) ledger.Sale { r.ID = id; return r },
		refs: func(r *ledger.Sale, oldID, newID string) bool {
			changed := swap(&r.CustomerID, oldID, newID)
			for i := range r.Items {
				if r.Items[i].ProductID == oldID {
					items := append([]ledger.SaleItem(nil), r.Items...)
					for j := range items {
						swap(&items[j].ProductID, oldID, newID)
					}
					r.Items = items
					return true
				}
			}
			return changed
		},
		dup: func(r ledger.Sale) ledger.Sale { r.Items = slices.Clone(r.Items); return r },
	}
	expenseTable = binding[ledger.Expense]{
		coll:   ledger.Expenses,
		slice:  func(s *State) *[]ledger.Expense { return &s.Expenses },
		withID: func(r ledger.Expense, id string) ledger.Expense { r.ID = id; return r },
		refs: func(r *ledger.Expense, oldID, newID string) bool {
			a := swap(&r.SupplierID, oldID, newID)
			b := swap(&r.SourceID, oldID, newID)
			return a || b
		},
	}
	supplierTxTable = binding[ledger.SupplierTransaction]{
		coll:   ledger.SupplierTransactions,
		slice:  func(s *State) *[]ledger.SupplierTransaction { return &s.SupplierTransactions },
		withID: func(r ledger.SupplierTransaction, id string) ledger.SupplierTransaction { r.ID = id; return r },
		refs: func(r *ledger.SupplierTransaction, oldID, newID string) bool {
			changed := swap(&r.SupplierID, oldID, newID)
			for i := range r.Items {
				if r.Items[i].ProductID == oldID {
					items := append([]ledger.SupplyItem(nil), r.Items...)
					for j := range items {
						swap(&items[j].ProductID, oldID, newID)
					}
					r.Items = items
					return true
				}
			}
			return changed
		},
		dup: func(r ledger.SupplierTransaction) ledger.SupplierTransaction { r.Items = slices.Clone(r.Items); return r },
	}
	movementTable = binding[ledger.StockMovement]{
		coll:   ledger.StockMovements,
		slice:  func(s *State) *[]ledger.StockMovement { return &s.StockMovements },
		withID: func(r ledger.StockMovement, id string) ledger.StockMovement { r.ID = id; return r },
		refs: func(r *ledger.StockMovement, oldID, newID string) bool {
			return swap(&r.ProductID, oldID, newID)
		},
	}
	payrollTable = binding[ledger.PayrollEntry]{
		coll:   ledger.Payroll,
		slice:  func(s *State) *[]ledger.PayrollEntry { return &s.Payroll },
		withID: func(r ledger.PayrollEntry, id string) ledger.PayrollEntry { r.ID = id; return r },
		refs: func(r *ledger.PayrollEntry, oldID, newID string) bool {
			return swap(&r.StaffID, oldID, newID)
		},
	}
	staffTable = binding[ledger.StaffMember]{
		coll:   ledger.Staff,
		slice:  func(s *State) *[]ledger.StaffMember { return &s.Staff },
		withID: func(r ledger.StaffMember, id string) ledger.StaffMember { r.ID = id; return r },
		dup:    func(r ledger.StaffMember) ledger.StaffMember { r.Attendance = slices.Clone(r.Attendance); return r },
	}
	invitationTable = binding[ledger.Invitation]{
		coll:   ledger.Invitations,
		slice:  func(s *State) *[]ledger.Invitation { return &s.Invitations },
		withID: func(r ledger.Invitation, token string) ledger.Invitation { r.Token = token; return r },
	}
	userTable = binding[ledger.AppUser]{
		coll:   ledger.Users,
		slice:  func(s *State) *[]ledger.AppUser { return &s.Users },
		withID: func(r ledger.AppUser, id string) ledger.AppUser { r.ID = id; return r },
	}
)

// tables lists every binding in collection declaration order.
var tables = []table{
	customerTable,
	supplierTable,
	productTable,
	saleTable,
	expenseTable,
	supplierTxTable,
	movementTable,
	payrollTable,
	staffTable,
	invitationTable,
	userTable,
}

func tableFor(c ledger.Collection) (table, bool) {
	for _, t := range tables {
		if t.collection() == c {
			return t, true
		}
	}
	return nil, false
}
