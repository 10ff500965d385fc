package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgersync/internal/engine"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh every collection from the remote ledger",
		Long: `Fetch every collection from the remote ledger and merge it into the
local copy.

Collections are fetched concurrently. A collection whose fetch fails, or that
the server returns empty, keeps its local records. Local records whose create
has not been delivered yet are dropped or kept according to sync.policy.

Exits 1 when any collection failed.

Example:
  ledgersync sync
  ledgersync sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, rootOpts)
		},
	}
}

func runSync(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(cmd, opts, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.SyncAll(cmd.Context())
	if err != nil {
		_ = a.out.Error(CodeStore, "sync could not be persisted", err.Error())
		return WrapExitError(ExitCommandError, "sync failed", err)
	}

	if err := a.out.Success(report, func(w io.Writer) error {
		return writeSyncReport(w, report)
	}); err != nil {
		return err
	}

	if failed := report.FailedCollections(); len(failed) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("sync incomplete: %s", strings.Join(failed, ", ")))
	}
	return nil
}

func writeSyncReport(w io.Writer, r engine.SyncReport) error {
	fmt.Fprintf(w, "Synced at %s\n", r.At.UTC().Format(stampLayout))
	for _, c := range sortedKeys(r.Replaced) {
		line := fmt.Sprintf("  %-24s %d records", c, r.Replaced[c])
		if n := r.Dropped[c]; n > 0 {
			line += fmt.Sprintf(" (%d unsynced local records dropped)", n)
		}
		fmt.Fprintln(w, line)
	}
	if len(r.Retained) > 0 {
		fmt.Fprintf(w, "Kept local (remote empty): %s\n", strings.Join(r.Retained, ", "))
	}
	for _, c := range r.FailedCollections() {
		fmt.Fprintf(w, "FAILED %s: %s\n", c, r.Failed[c])
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
