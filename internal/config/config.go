// Package config loads ledgersync settings.
//
// Sources, later ones winning:
//
//  1. Defaults
//  2. A YAML file (optional)
//  3. Process environment, including a .env file in the working directory
//     (LEDGERSYNC_* variables)
//
// The merged result is validated before it is returned.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "LEDGERSYNC_"

// Config is the complete runtime configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type DatabaseConfig struct {
	// Path is the SQLite file holding snapshots and the outbox.
	Path string `yaml:"path" validate:"required"`
}

type GatewayConfig struct {
	BaseURL string `yaml:"baseUrl" validate:"required,url"`
	// Token, when set, is sent as a bearer token.
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// OutboxConfig bounds redelivery of failed remote writes.
type OutboxConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts" validate:"gte=1"`
	BaseBackoff  time.Duration `yaml:"baseBackoff" validate:"gt=0"`
	MaxBackoff   time.Duration `yaml:"maxBackoff" validate:"gtefield=BaseBackoff"`
	PollInterval time.Duration `yaml:"pollInterval" validate:"gt=0"`
}

type SyncConfig struct {
	// Policy is "replace" or "keep-unsynced".
	Policy string `yaml:"policy" validate:"oneof=replace keep-unsynced"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	// Addr is where `ledgersync run` serves /metrics, /healthz and /status.
	// Empty disables the server.
	Addr      string `yaml:"addr" validate:"omitempty,hostname_port"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "ledgersync.db"},
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Outbox: OutboxConfig{
			MaxAttempts:  12,
			BaseBackoff:  2 * time.Second,
			MaxBackoff:   5 * time.Minute,
			PollInterval: time.Second,
		},
		Sync:    SyncConfig{Policy: "replace"},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464", Namespace: "ledgersync"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	// A missing .env is normal; variables already set are not overridden.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile decodes a YAML file over c. Unknown keys are rejected so typos
// do not silently fall back to defaults.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides c from LEDGERSYNC_* variables. A variable that is set
// but unparseable is an error rather than a silent default.
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("DB_PATH", &c.Database.Path)
	e.str("GATEWAY_URL", &c.Gateway.BaseURL)
	e.str("GATEWAY_TOKEN", &c.Gateway.Token)
	e.duration("GATEWAY_TIMEOUT", &c.Gateway.Timeout)
	e.integer("OUTBOX_MAX_ATTEMPTS", &c.Outbox.MaxAttempts)
	e.duration("OUTBOX_BASE_BACKOFF", &c.Outbox.BaseBackoff)
	e.duration("OUTBOX_MAX_BACKOFF", &c.Outbox.MaxBackoff)
	e.duration("OUTBOX_POLL_INTERVAL", &c.Outbox.PollInterval)
	e.str("SYNC_POLICY", &c.Sync.Policy)
	e.str("LOG_LEVEL", &c.Log.Level)
	e.boolean("LOG_DEVELOPMENT", &c.Log.Development)
	e.str("METRICS_ADDR", &c.Metrics.Addr)
	e.str("METRICS_NAMESPACE", &c.Metrics.Namespace)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	sort.Strings(msgs)
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
