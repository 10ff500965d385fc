package report

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

const stampLayout = "2006-01-02 15:04 MST"

var maxGrouped = decimal.NewFromInt(math.MaxInt64)

// formatMoney renders d rounded to cents in p's locale. The digits come from
// the decimal itself; the printer only supplies grouping and separators.
func formatMoney(p *message.Printer, d decimal.Decimal) string {
	r := d.Round(2)
	sign := ""
	if r.IsNegative() {
		sign = "-"
	}
	abs := r.Abs()
	whole := abs.Truncate(0)
	cents := abs.Sub(whole).Shift(2).IntPart()

	// The decimal separator is whatever sits between the digits of 1.5.
	half := []rune(p.Sprintf("%v", number.Decimal(1.5, number.Scale(1))))
	sep := string(half[1 : len(half)-1])

	intPart := whole.String()
	if whole.LessThanOrEqual(maxGrouped) {
		intPart = p.Sprintf("%v", number.Decimal(whole.IntPart()))
	}
	return sign + intPart + sep + p.Sprintf("%v", number.Decimal(cents, number.MinIntegerDigits(2)))
}

// WriteText renders s as aligned plain text. Amounts are formatted for tag.
func WriteText(w io.Writer, s Summary, tag language.Tag) error {
	p := message.NewPrinter(tag)
	money := func(d decimal.Decimal) string { return formatMoney(p, d) }
	count := func(n int64) string { return p.Sprintf("%d", n) }

	var b strings.Builder
	last := "never"
	if s.LastSync != nil {
		last = s.LastSync.UTC().Format(stampLayout)
	}
	fmt.Fprintf(&b, "Ledger summary  generated %s  last sync %s\n", s.GeneratedAt.UTC().Format(stampLayout), last)

	b.WriteString("\nSuppliers\n")
	row4(&b, "NAME", "DEBIT", "CREDIT", "BALANCE")
	for _, l := range s.Suppliers {
		row4(&b, l.Name, money(l.Debit), money(l.Credit), money(l.Balance))
	}
	if len(s.Suppliers) == 0 {
		b.WriteString("  (none)\n")
	}

	b.WriteString("\nCustomers\n")
	row4(&b, "NAME", "BALANCE", "SPENT", "DRIFT")
	for _, l := range s.Customers {
		row4(&b, l.Name, money(l.Balance), money(l.TotalSpent), money(l.Drift))
	}
	if len(s.Customers) == 0 {
		b.WriteString("  (none)\n")
	}

	b.WriteString("\nLow stock\n")
	fmt.Fprintf(&b, "  %-20s %12s %12s\n", "NAME", "QTY", "MIN")
	for _, l := range s.LowStock {
		fmt.Fprintf(&b, "  %-20s %12s %12s\n", l.Name, count(l.Quantity), count(l.MinStockLevel))
	}
	if len(s.LowStock) == 0 {
		b.WriteString("  (none)\n")
	}

	b.WriteString("\nTotals\n")
	fmt.Fprintf(&b, "  %-20s %12s\n", "Payables", money(s.Payables))
	fmt.Fprintf(&b, "  %-20s %12s\n", "Prepaid", money(s.Prepaid))
	fmt.Fprintf(&b, "  %-20s %12s\n", "Receivables", money(s.Receivables))

	_, err := io.WriteString(w, b.String())
	return err
}

func row4(b *strings.Builder, name, c1, c2, c3 string) {
	fmt.Fprintf(b, "  %-20s %12s %12s %12s\n", name, c1, c2, c3)
}

// Workbook sheet names.
const (
	SheetSuppliers = "Suppliers"
	SheetCustomers = "Customers"
	SheetLowStock  = "Low stock"
	SheetTotals    = "Totals"
)

// NewWorkbook lays s out as a spreadsheet with one sheet per section.
// Amounts are written as numbers.
func NewWorkbook(s Summary) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetSuppliers); err != nil {
		f.Close()
		return nil, err
	}
	for _, name := range []string{SheetCustomers, SheetLowStock, SheetTotals} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, err
		}
	}

	rows := map[string][][]any{
		SheetSuppliers: {{"ID", "Name", "Status", "Debit", "Credit", "Balance"}},
		SheetCustomers: {{"ID", "Name", "Balance", "Total spent", "Drift"}},
		SheetLowStock:  {{"ID", "Name", "Quantity", "Min stock"}},
		SheetTotals: {
			{"Payables", s.Payables.InexactFloat64()},
			{"Prepaid", s.Prepaid.InexactFloat64()},
			{"Receivables", s.Receivables.InexactFloat64()},
			{"Generated", s.GeneratedAt.UTC().Format(stampLayout)},
		},
	}
	for _, l := range s.Suppliers {
		rows[SheetSuppliers] = append(rows[SheetSuppliers], []any{
			l.ID, l.Name, l.Status, l.Debit.InexactFloat64(), l.Credit.InexactFloat64(), l.Balance.InexactFloat64(),
		})
	}
	for _, l := range s.Customers {
		rows[SheetCustomers] = append(rows[SheetCustomers], []any{
			l.ID, l.Name, l.Balance.InexactFloat64(), l.TotalSpent.InexactFloat64(), l.Drift.InexactFloat64(),
		})
	}
	for _, l := range s.LowStock {
		rows[SheetLowStock] = append(rows[SheetLowStock], []any{l.ID, l.Name, l.Quantity, l.MinStockLevel})
	}
	if s.LastSync != nil {
		rows[SheetTotals] = append(rows[SheetTotals], []any{"Last sync", s.LastSync.UTC().Format(stampLayout)})
	}

	for sheet, data := range rows {
		for i, row := range data {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			if err != nil {
				f.Close()
				return nil, err
			}
			if err := f.SetSheetRow(sheet, cell, &row); err != nil {
				f.Close()
				return nil, fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
			}
		}
	}
	f.SetActiveSheet(0)
	return f, nil
}

// WriteWorkbook writes s as an .xlsx document to w.
func WriteWorkbook(w io.Writer, s Summary) error {
	f, err := NewWorkbook(s)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// SaveWorkbook writes s as an .xlsx file at path.
func SaveWorkbook(path string, s Summary) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWorkbook(out, s); err != nil {
		out.Close()
		return fmt.Errorf("write workbook %s: %w", path, err)
	}
	return out.Close()
}
