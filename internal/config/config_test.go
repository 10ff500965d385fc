package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgersync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
database:
  path: /var/lib/ledgersync/shop.db
gateway:
  baseUrl: https://ledger.example.com
  timeout: 10s
outbox:
  maxAttempts: 5
  baseBackoff: 500ms
sync:
  policy: keep-unsynced
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ledgersync/shop.db", cfg.Database.Path)
	assert.Equal(t, "https://ledger.example.com", cfg.Gateway.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 5, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Outbox.BaseBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Outbox.MaxBackoff, "unset keys keep defaults")
	assert.Equal(t, "keep-unsynced", cfg.Sync.Policy)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "gateway:\n  baseUrl: https://file.example.com\n")
	t.Setenv("LEDGERSYNC_GATEWAY_URL", "https://env.example.com")
	t.Setenv("LEDGERSYNC_OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("LEDGERSYNC_OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("LEDGERSYNC_LOG_DEVELOPMENT", "true")
	t.Setenv("LEDGERSYNC_METRICS_ADDR", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Gateway.BaseURL)
	assert.Equal(t, 3, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.True(t, cfg.Log.Development)
	assert.Empty(t, cfg.Metrics.Addr, "an empty variable disables the metrics server")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown key",
			file:    "gateway:\n  baseURL: https://x.example.com\n",
			wantErr: "field baseURL not found",
		},
		{
			name:    "bad policy",
			file:    "sync:\n  policy: merge\n",
			wantErr: "Config.Sync.Policy",
		},
		{
			name:    "bad url",
			env:     map[string]string{"LEDGERSYNC_GATEWAY_URL": "not a url"},
			wantErr: "Config.Gateway.BaseURL",
		},
		{
			name:    "unparseable duration",
			env:     map[string]string{"LEDGERSYNC_GATEWAY_TIMEOUT": "soon"},
			wantErr: "LEDGERSYNC_GATEWAY_TIMEOUT",
		},
		{
			name:    "backoff cap below base",
			file:    "outbox:\n  baseBackoff: 1m\n  maxBackoff: 1s\n",
			wantErr: "Config.Outbox.MaxBackoff",
		},
		{
			name:    "zero attempts",
			env:     map[string]string{"LEDGERSYNC_OUTBOX_MAX_ATTEMPTS": "0"},
			wantErr: "Config.Outbox.MaxAttempts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
