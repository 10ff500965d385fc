package ledger

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"golang.org/x/text/unicode/norm"
)

//go:embed schema.cue
var schemaSource string

// Draft schema names, one per definition in schema.cue.
const (
	SchemaCustomer            = "#Customer"
	SchemaSupplier            = "#Supplier"
	SchemaProduct             = "#Product"
	SchemaSale                = "#Sale"
	SchemaExpense             = "#Expense"
	SchemaSupplierTransaction = "#SupplierTransaction"
	SchemaStockAdjustment     = "#StockAdjustment"
	SchemaPayrollEntry        = "#PayrollEntry"
	SchemaStaffMember         = "#StaffMember"
	SchemaAttendance          = "#Attendance"
	SchemaInvitation          = "#Invitation"
	SchemaAppUser             = "#AppUser"
)

// ValidationError reports a draft that does not satisfy its schema.
type ValidationError struct {
	Schema string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", strings.TrimPrefix(e.Schema, "#"), e.Reason)
}

// StockAdjustment is the draft for one signed change of product stock.
type StockAdjustment struct {
	ProductID string       `json:"productId"`
	Quantity  int64        `json:"quantity"`
	Type      MovementType `json:"type"`
	Reason    string       `json:"reason,omitempty"`
}

// Attendance is the draft for marking a staff member present on a day.
type Attendance struct {
	StaffID string `json:"staffId"`
	Date    string `json:"date"`
}

// Validator checks drafts against the embedded CUE schema.
//
// A cue.Context is not safe for concurrent use, so Validate serializes
// callers.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile draft schema: %w", err)
	}
	return &Validator{ctx: ctx, schema: schema}, nil
}

// MustNewValidator is like NewValidator but panics on error.
// The schema is embedded, so failure is a build defect.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate unifies the JSON encoding of draft with the named definition and
// requires the result to be concrete. Missing required fields surface as
// incomplete values.
func (v *Validator) Validate(schema string, draft any) error {
	data, err := json.Marshal(draft)
	if err != nil {
		return &ValidationError{Schema: schema, Reason: fmt.Sprintf("encode draft: %v", err)}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	def := v.schema.LookupPath(cue.ParsePath(schema))
	if !def.Exists() {
		return fmt.Errorf("unknown draft schema %q", schema)
	}
	value := v.ctx.CompileBytes(data)
	if err := value.Err(); err != nil {
		return &ValidationError{Schema: schema, Reason: firstCUEError(err)}
	}
	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Schema: schema, Reason: firstCUEError(err)}
	}
	return nil
}

func firstCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	return errs[0].Error()
}

// NormalizeText trims and NFC-normalizes free text so that names typed on
// different keyboards compare equal.
func NormalizeText(s string) string {
	return norm.NFC.String(trimmed(s))
}
