package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgersync/internal/store"
)

const stampLayout = "2006-01-02 15:04 MST"

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	Limit int
}

type outboxCounts struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Sent      int `json:"sent"`
	Dead      int `json:"dead"`
	Cancelled int `json:"cancelled"`
}

func countsOf(st store.Stats) outboxCounts {
	return outboxCounts{
		Pending:   st.Pending,
		Failed:    st.Failed,
		Sent:      st.Sent,
		Dead:      st.Dead,
		Cancelled: st.Cancelled,
	}
}

type cascadeStep struct {
	Kind       string `json:"kind"`
	Collection string `json:"collection"`
	TargetID   string `json:"targetId"`
	Action     string `json:"action,omitempty"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"lastError,omitempty"`
}

type cascadeView struct {
	ID        string        `json:"id"`
	Action    string        `json:"action"`
	Outcome   string        `json:"outcome"`
	CreatedAt time.Time     `json:"createdAt"`
	Steps     []cascadeStep `json:"steps"`
}

type pendingResult struct {
	Outbox   outboxCounts  `json:"outbox"`
	Cascades []cascadeView `json:"cascades"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show undelivered remote writes",
		Long: `Show outbox counts by status and the most recent user actions with the
delivery state of each of their remote writes.

Action outcomes:
  PENDING  a write is still waiting for delivery
  PARTIAL  some writes were delivered, others gave up
  FAILED   every write gave up
  DONE     every write was delivered or cancelled

Example:
  ledgersync pending
  ledgersync pending --limit 50 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of recent actions to show")

	return cmd
}

func runPending(cmd *cobra.Command, opts *PendingOptions) error {
	a, err := openApp(cmd, opts.RootOptions, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	st, err := a.engine.OutboxStats(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}
	cascades, err := a.engine.RecentCascades(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read cascades", err)
	}

	res := pendingResult{Outbox: countsOf(st), Cascades: make([]cascadeView, 0, len(cascades))}
	for _, c := range cascades {
		v := cascadeView{ID: c.ID, Action: c.Action, Outcome: c.Outcome(), CreatedAt: c.CreatedAt}
		for _, op := range c.Steps {
			v.Steps = append(v.Steps, cascadeStep{
				Kind:       string(op.Kind),
				Collection: op.Collection,
				TargetID:   op.TargetID,
				Action:     op.Action,
				Status:     string(op.Status),
				Attempts:   op.Attempts,
				LastError:  op.LastError,
			})
		}
		res.Cascades = append(res.Cascades, v)
	}

	return a.out.Success(res, func(w io.Writer) error {
		return writePending(w, res)
	})
}

func writePending(w io.Writer, res pendingResult) error {
	o := res.Outbox
	fmt.Fprintf(w, "Outbox: %d pending, %d failed, %d dead, %d sent, %d cancelled\n",
		o.Pending, o.Failed, o.Dead, o.Sent, o.Cancelled)
	for _, c := range res.Cascades {
		fmt.Fprintf(w, "\n%s  %-8s %s  %s\n", c.CreatedAt.UTC().Format(stampLayout), c.Outcome, c.Action, c.ID)
		for _, s := range c.Steps {
			target := s.Collection + "/" + s.TargetID
			if s.Action != "" {
				target += " " + s.Action
			}
			line := fmt.Sprintf("  %-9s %-7s %s", s.Status, s.Kind, target)
			if s.LastError != "" {
				line += fmt.Sprintf(" (attempt %d: %s)", s.Attempts, s.LastError)
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
