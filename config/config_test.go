package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trncs/relayerd/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
global:
  redis-url: redis://localhost:6379
  database-url: postgres://localhost/relayer
  dev-callers:
    - rDevAccount
xrpl:
  door-account: rDoorAccount
  poll-interval: 10s
  currencies:
    usd:
      symbol: USD
      decimals: 6
      issuer: "0x000000000000000000000000000000000000aaaa"
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379", cfg.Global.RedisURL)
	assert.Equal(t, []string{"rDevAccount"}, cfg.Global.DevCallers)
	assert.Equal(t, "rDoorAccount", cfg.Xrpl.DoorAccount)
	assert.Equal(t, 10*time.Second, cfg.Xrpl.PollInterval)
	require.Contains(t, cfg.Xrpl.Currencies, "usd")
	assert.Equal(t, int32(6), cfg.Xrpl.Currencies["usd"].Decimals)

	// Unset fields keep their defaults.
	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, ":3000", cfg.Global.HealthAddr)
	assert.Equal(t, int64(40), cfg.Xrpl.MinAmountThreshold)
	assert.Equal(t, 6*time.Second, cfg.Root.PollInterval)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `
global:
  redis-url: redis://localhost:6379
  database-url: postgres://localhost/relayer
`)
	t.Setenv("RELAYER_GLOBAL_DATABASE_URL", "postgres://db.internal/relayer")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db.internal/relayer", cfg.Global.DatabaseURL)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	path := writeConfig(t, `
global:
  redis-url: redis://localhost:6379
`)
	_, err := config.LoadConfig(path)
	assert.ErrorContains(t, err, "database-url")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Error(t, cfg.Validate())

	cfg.Global.RedisURL = "redis://localhost:6379"
	assert.Error(t, cfg.Validate())

	cfg.Global.DatabaseURL = "postgres://localhost/relayer"
	assert.NoError(t, cfg.Validate())
}
