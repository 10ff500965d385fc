package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgersync/internal/engine"
)

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	RetryDead bool
}

type pushResult struct {
	Requeued int64                 `json:"requeued"`
	Report   engine.DispatchReport `json:"report"`
	Pending  int                   `json:"pending"`
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Deliver queued remote writes once",
		Long: `Make one delivery pass over the outbox: every write whose backoff has
elapsed is sent in enqueue order. Writes that fail again are rescheduled;
writes that exhausted their attempts are marked dead.

With --retry-dead, dead writes are requeued first.

Exits 1 when any write died during this pass.

Example:
  ledgersync push
  ledgersync push --retry-dead`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.RetryDead, "retry-dead", false, "requeue dead writes before delivering")

	return cmd
}

func runPush(cmd *cobra.Command, opts *PushOptions) error {
	a, err := openApp(cmd, opts.RootOptions, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	var res pushResult
	if opts.RetryDead {
		if res.Requeued, err = a.engine.RetryDead(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to requeue dead writes", err)
		}
		a.out.VerboseLog("requeued %d dead writes", res.Requeued)
	}

	if res.Report, err = a.engine.Flush(ctx); err != nil {
		_ = a.out.Error(CodeDispatch, "delivery stopped", err.Error())
		return WrapExitError(ExitCommandError, "push failed", err)
	}
	if res.Pending, err = a.engine.PendingCount(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}

	if err := a.out.Success(res, func(w io.Writer) error {
		r := res.Report
		_, err := fmt.Fprintf(w, "Sent %d, failed %d, dead %d, blocked %d; %d still pending\n",
			r.Sent, r.Failed, r.Dead, r.Blocked, res.Pending)
		return err
	}); err != nil {
		return err
	}

	if res.Report.Dead > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d writes gave up", res.Report.Dead))
	}
	return nil
}
