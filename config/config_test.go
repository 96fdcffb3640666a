package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/unit-billing/billing"
)

const sampleYAML = `
server:
  addr: ":9090"
  write_timeout: 30s
database:
  path: /var/lib/billing/billing.db
logging:
  level: debug
  format: console
reconciliation_sweep:
  interval: 15m
clients:
  - client_id: maple-court
    fiscal_year_start_month: 7
    dues_frequency: quarterly
    penalties:
      recurring:
        rate: "0.05"
        grace_days: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "billing.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "unset keys keep defaults")
	assert.Equal(t, "/var/lib/billing/billing.db", cfg.Database.Path)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 15*time.Minute, cfg.Sweep.Interval)
	assert.True(t, cfg.Sweep.Enabled, "unset keys keep defaults")
	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, "0.05", cfg.Clients[0].Penalties["recurring"].Rate)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	t.Setenv("BILLING_ADDR", ":7000")
	t.Setenv("BILLING_DB", ":memory:")
	t.Setenv("BILLING_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "database:\n  path: \"\"\n"))
	assert.ErrorContains(t, err, "database.path")

	_, err = Load(writeConfig(t, "reconciliation_sweep:\n  interval: 0s\n"))
	assert.ErrorContains(t, err, "reconciliation_sweep.interval")
}

func TestConfig_Registry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "oak.json"), []byte(`{"client_id":"oak"}`), 0o644))

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	cfg.ClientsDir = dir

	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.Equal(t, []billing.ClientID{"maple-court", "oak"}, reg.Clients())

	maple, ok := reg.Client("maple-court")
	require.True(t, ok)
	assert.Equal(t, time.July, maple.Calendar.StartMonth)
}

func TestConfig_RegistryRejectsInvalidClient(t *testing.T) {
	body := sampleYAML + `
  - client_id: broken
    penalties:
      recurring:
        rate: "2"
`

	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	_, err = cfg.Registry()
	assert.Error(t, err)
}
