package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgersync/internal/config"
	"github.com/roach88/ledgersync/internal/engine"
)

const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	// Listen overrides metrics.addr. "-" disables the HTTP server.
	Listen string
	// SyncFirst runs a full resync before the dispatcher starts.
	SyncFirst bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Deliver remote writes continuously",
		Long: `Start the outbox dispatcher and keep delivering remote writes until
interrupted. Failed writes are retried with exponential backoff.

Unless disabled, an HTTP server on metrics.addr exposes:
  /metrics   Prometheus metrics
  /healthz   liveness
  /status    outbox counts and last sync time (JSON)

Example:
  ledgersync run
  ledgersync run --sync --listen 0.0.0.0:9464
  ledgersync run --listen -`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatcher(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", `HTTP listen address (overrides metrics.addr, "-" disables)`)
	cmd.Flags().BoolVar(&opts.SyncFirst, "sync", false, "resync every collection before delivering")

	return cmd
}

func runDispatcher(cmd *cobra.Command, opts *RunOptions) error {
	a, err := openApp(cmd, opts.RootOptions, func(cfg *config.Config) {
		switch opts.Listen {
		case "":
		case "-":
			cfg.Metrics.Addr = ""
		default:
			cfg.Metrics.Addr = opts.Listen
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.log.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.SyncFirst {
		report, err := a.engine.SyncAll(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "initial sync failed", err)
		}
		if failed := report.FailedCollections(); len(failed) > 0 {
			a.log.Warn("initial sync incomplete", zap.Strings("failed", failed))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen", err)
		}
		srv := &http.Server{
			Handler:           newStatusRouter(a),
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.log.Info("status server listening", zap.String("addr", ln.Addr().String()))
		fmt.Fprintf(cmd.OutOrStdout(), "Serving /metrics on http://%s\n", ln.Addr())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return a.engine.Run(gctx)
	})

	fmt.Fprintln(cmd.OutOrStdout(), "Dispatcher started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "dispatcher error", err)
	}

	a.log.Info("dispatcher stopped gracefully")
	return nil
}

type statusResponse struct {
	Outbox   outboxCounts `json:"outbox"`
	Queued   int          `json:"queued"`
	LastSync *time.Time   `json:"lastSync,omitempty"`
}

// newStatusRouter serves metrics, liveness and outbox status for a.
func newStatusRouter(a *app) http.Handler {
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		resp, err := buildStatus(req.Context(), a.engine)
		if err != nil {
			a.log.Error("status failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return r
}

func buildStatus(ctx context.Context, e *engine.Engine) (statusResponse, error) {
	st, err := e.OutboxStats(ctx)
	if err != nil {
		return statusResponse{}, err
	}
	resp := statusResponse{Outbox: countsOf(st), Queued: e.Queued()}
	if last, ok := e.LastSync(); ok {
		resp.LastSync = &last
	}
	return resp, nil
}
