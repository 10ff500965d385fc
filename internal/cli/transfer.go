package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print a transfer key holding the local ledger",
		Long: `Encode every local collection and the last sync time into a single
transfer key. Feed the key to "ledgersync import" on another machine to carry
the ledger over without the remote service.

The outbox is not part of the key.

Example:
  ledgersync export > ledger.key`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.engine.ExportKey()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to export", err)
			}
			return a.out.Success(map[string]string{"key": token}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, token)
				return err
			})
		},
	}
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <key>",
		Short: "Replace the local ledger with a transfer key",
		Long: `Decode a transfer key made by "ledgersync export" and replace every local
collection with its contents. A key that cannot be decoded changes nothing.

Pass "-" to read the key from standard input.

Example:
  ledgersync import LSK1.H4sIAAAA...
  ledgersync import - < ledger.key`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			token := args[0]
			if token == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read key", err)
				}
				token = string(data)
			}
			token = strings.TrimSpace(token)

			a, err := openApp(cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.engine.ImportKey(cmd.Context(), token) {
				_ = a.out.Error(CodeImport, "transfer key rejected", nil)
				return NewExitError(ExitFailure, "import failed: transfer key rejected")
			}
			return a.out.Success(map[string]bool{"imported": true}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, "Ledger imported.")
				return err
			})
		},
	}
}
