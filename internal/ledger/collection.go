package ledger

import (
	"regexp"
	"strings"
	"time"
)

// Collection names one entity collection. The name doubles as the storage key
// suffix and the JSON key inside exported snapshots.
type Collection string

const (
	Customers            Collection = "customers"
	Suppliers            Collection = "suppliers"
	Products             Collection = "products"
	Sales                Collection = "sales"
	Expenses             Collection = "expenses"
	SupplierTransactions Collection = "supplierTransactions"
	StockMovements       Collection = "stockMovements"
	Payroll              Collection = "payroll"
	Staff                Collection = "staff"
	Invitations          Collection = "invitations"
	Users                Collection = "users"
)

// LastSyncKey is the storage key of the last successful resync timestamp.
const LastSyncKey = "ledger/lastSync"

type collectionInfo struct {
	path   string
	prefix string
}

// Declaration order is the order collections are hydrated, synced and
// exported in.
var collectionOrder = []Collection{
	Customers,
	Suppliers,
	Products,
	Sales,
	Expenses,
	SupplierTransactions,
	StockMovements,
	Payroll,
	Staff,
	Invitations,
	Users,
}

var collectionInfos = map[Collection]collectionInfo{
	Customers:            {path: "customers", prefix: "cust"},
	Suppliers:            {path: "suppliers", prefix: "sup"},
	Products:             {path: "products", prefix: "prod"},
	Sales:                {path: "sales", prefix: "sale"},
	Expenses:             {path: "expenses", prefix: "exp"},
	SupplierTransactions: {path: "supplier-transactions", prefix: "stx"},
	StockMovements:       {path: "stock-movements", prefix: "mov"},
	Payroll:              {path: "payroll", prefix: "pay"},
	Staff:                {path: "staff", prefix: "staff"},
	Invitations:          {path: "invitations", prefix: ""},
	Users:                {path: "users", prefix: "user"},
}

// AllCollections returns every collection in declaration order.
func AllCollections() []Collection {
	out := make([]Collection, len(collectionOrder))
	copy(out, collectionOrder)
	return out
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	_, ok := collectionInfos[c]
	return ok
}

// Path is the remote endpoint segment, as in /api/<path>.
func (c Collection) Path() string {
	return collectionInfos[c].path
}

// Prefix is the temporary identity prefix. Invitations have none: their key
// is a token generated up front.
func (c Collection) Prefix() string {
	return collectionInfos[c].prefix
}

// StorageKey is the namespaced local snapshot key.
func (c Collection) StorageKey() string {
	return "ledger/" + string(c)
}

// tempIDPattern matches {prefix}_{unix millis}. Millisecond timestamps have
// had 13 digits since 2001.
var tempIDPattern = regexp.MustCompile(`\b(cust|sup|prod|sale|exp|stx|mov|pay|staff|user)_[0-9]{13,}\b`)

// IsTempID reports whether id is a locally synthesized identity that has not
// been replaced by a server identity yet.
func IsTempID(id string) bool {
	loc := tempIDPattern.FindStringIndex(id)
	return loc != nil && loc[0] == 0 && loc[1] == len(id)
}

// TempIDsIn returns every temporary identity referenced in data.
func TempIDsIn(data []byte) []string {
	matches := tempIDPattern.FindAll(data, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, string(m))
	}
	return out
}

// Record is implemented by every entity type.
type Record interface {
	RecordID() string
	// Recency is the field resynced collections are sorted by, newest first.
	Recency() time.Time
}

// Day formats t as the date string used for attendance and period keys.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
