package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/ledgersync/internal/config"
	"github.com/roach88/ledgersync/internal/engine"
	"github.com/roach88/ledgersync/internal/gateway"
	"github.com/roach88/ledgersync/internal/logger"
	"github.com/roach88/ledgersync/internal/metrics"
	"github.com/roach88/ledgersync/internal/store"
)

// app is everything a command needs, wired from one configuration.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *store.Store
	engine   *engine.Engine
	registry *prometheus.Registry
	out      *OutputFormatter
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	if opts.GatewayURL != "" {
		cfg.Gateway.BaseURL = opts.GatewayURL
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// openApp loads configuration and opens the store, the gateway client and
// the engine. The caller must Close the result.
func openApp(cmd *cobra.Command, opts *RootOptions, tweak func(*config.Config)) (*app, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if tweak != nil {
		tweak(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build logger", err)
	}

	out.VerboseLog("opening database %s", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path, store.WithLogger(log))
	if err != nil {
		_ = log.Sync()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	gwOpts := []gateway.Option{gateway.WithTimeout(cfg.Gateway.Timeout)}
	if cfg.Gateway.Token != "" {
		gwOpts = append(gwOpts, gateway.WithToken(cfg.Gateway.Token))
	}
	client, err := gateway.NewClient(cfg.Gateway.BaseURL, gwOpts...)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create gateway client", err)
	}

	reg := prometheus.NewRegistry()
	eng, err := engine.New(st, client,
		engine.WithLogger(log),
		engine.WithMetrics(metrics.New(reg, cfg.Metrics.Namespace)),
		engine.WithNotifier(&writerNotifier{w: out.GetErrWriter(), next: engine.LogNotifier{Logger: log}}),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts:  cfg.Outbox.MaxAttempts,
			BaseBackoff:  cfg.Outbox.BaseBackoff,
			MaxBackoff:   cfg.Outbox.MaxBackoff,
			PollInterval: cfg.Outbox.PollInterval,
		}),
		engine.WithMergePolicy(engine.MergePolicy(cfg.Sync.Policy)),
		engine.WithCallTimeout(cfg.Gateway.Timeout),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	return &app{
		cfg:      cfg,
		log:      log,
		store:    st,
		engine:   eng,
		registry: reg,
		out:      out,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("error closing database", zap.Error(err))
	}
	_ = a.log.Sync()
}

// writerNotifier prints warnings and errors for the operator and forwards
// every notice to next.
type writerNotifier struct {
	mu   sync.Mutex
	w    io.Writer
	next engine.Notifier
}

func (n *writerNotifier) Notify(ev engine.Notice) {
	if ev.Level != engine.NoticeInfo {
		n.mu.Lock()
		fmt.Fprintf(n.w, "%s: %s\n", ev.Level, ev.Message)
		n.mu.Unlock()
	}
	if n.next != nil {
		n.next.Notify(ev)
	}
}
