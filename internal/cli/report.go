package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/roach88/ledgersync/internal/report"
)

// now is replaced in tests.
var now = time.Now

type balancesResult struct {
	Suppliers []report.SupplierLine `json:"suppliers"`
	Customers []report.CustomerLine `json:"customers"`
	Payables  decimal.Decimal       `json:"payables"`
	Prepaid   decimal.Decimal       `json:"prepaid"`
}

// NewBalancesCommand creates the balances command.
func NewBalancesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "Show supplier and customer balances",
		Long: `Show each supplier's balance derived from its transactions and each
customer's stored balance with its drift from the balance rebuilt from sales.

A positive supplier balance is owed to the supplier; a negative one is credit
held with them. Non-zero drift means a customer write was lost or applied
twice.

Example:
  ledgersync balances`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			s := report.Build(a.engine, now())
			res := balancesResult{
				Suppliers: s.Suppliers,
				Customers: s.Customers,
				Payables:  s.Payables,
				Prepaid:   s.Prepaid,
			}
			return a.out.Success(res, func(w io.Writer) error {
				return writeBalances(w, res)
			})
		},
	}
}

func writeBalances(w io.Writer, res balancesResult) error {
	fmt.Fprintln(w, "Suppliers")
	for _, l := range res.Suppliers {
		fmt.Fprintf(w, "  %-24s %12s\n", l.Name, l.Balance.StringFixed(2))
	}
	fmt.Fprintf(w, "  %-24s %12s\n", "payables", res.Payables.StringFixed(2))
	fmt.Fprintf(w, "  %-24s %12s\n", "prepaid", res.Prepaid.StringFixed(2))

	fmt.Fprintln(w, "Customers")
	for _, l := range res.Customers {
		line := fmt.Sprintf("  %-24s %12s", l.Name, l.Balance.StringFixed(2))
		if !l.Drift.IsZero() {
			line += fmt.Sprintf("  drift %s", l.Drift.StringFixed(2))
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Workbook string
	Lang     string
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the ledger summary",
		Long: `Print supplier balances, customer balances with drift, low-stock products
and payables, prepaid and receivable totals.

With --xlsx, the summary is also written as a spreadsheet.

Example:
  ledgersync report
  ledgersync report --xlsx summary.xlsx --lang de`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Workbook, "xlsx", "", "also write the summary to this .xlsx file")
	cmd.Flags().StringVar(&opts.Lang, "lang", "en", "language for number formatting (BCP 47)")

	return cmd
}

func runReport(cmd *cobra.Command, opts *ReportOptions) error {
	tag, err := language.Parse(opts.Lang)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --lang", err)
	}

	a, err := openApp(cmd, opts.RootOptions, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	s := report.Build(a.engine, now())
	if opts.Workbook != "" {
		if err := report.SaveWorkbook(opts.Workbook, s); err != nil {
			_ = a.out.Error(CodeReport, "failed to write workbook", err.Error())
			return WrapExitError(ExitCommandError, "report failed", err)
		}
		a.out.VerboseLog("wrote %s", opts.Workbook)
	}

	return a.out.Success(s, func(w io.Writer) error {
		return report.WriteText(w, s, tag)
	})
}
