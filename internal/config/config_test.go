package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrency)
	assert.Equal(t, 120, cfg.Orchestrator.JobDeadlineSecs)
	assert.Equal(t, []string{"performance", "security", "business_profile", "seo", "screenshot", "content"}, cfg.Orchestrator.Pipeline)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1000, cfg.Retry.InitialBackoffMs)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, "memory", cfg.Budget.Ledger)
	assert.InDelta(t, 25.0, cfg.Budget.GlobalDailyUSD, 0.001)
	assert.InDelta(t, 0.05, cfg.Pricing.Tasks["seo"], 0.0001)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, "mobile", cfg.PageSpeed.Strategy)
	assert.InDelta(t, 0.02, cfg.Monitoring.FailureRateThreshold, 0.0001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)

	assert.NoError(t, cfg.Validate("assess"))
	assert.NoError(t, cfg.Validate("serve"))
	assert.NoError(t, cfg.Validate("monitor"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/assess
log:
  level: debug
  format: console
orchestrator:
  max_concurrency: 4
  pipeline: [security, seo]
budget:
  per_kind_daily_usd:
    content: 1.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrency)
	assert.Equal(t, []string{"security", "seo"}, cfg.Orchestrator.Pipeline)
	assert.InDelta(t, 1.5, cfg.Budget.PerKindDailyUSD["content"], 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: memory
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("ASSESS_STORE_DRIVER", "sqlite")
	t.Setenv("ASSESS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ASSESS_SERVER_PORT=3000\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("ASSESS_SERVER_PORT") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "memory"
	cfg.Orchestrator.MaxConcurrency = 8
	cfg.Orchestrator.JobDeadlineSecs = 60
	cfg.Orchestrator.Pipeline = []string{"security", "seo"}
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.JitterFraction = 0.1
	cfg.Budget.Ledger = "memory"
	cfg.Server.Port = 8080
	cfg.Monitoring.FailureRateThreshold = 0.02
	cfg.Monitoring.LookbackWindowHours = 24
	return cfg
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("read")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/test"
	assert.NoError(t, cfg.Validate("read"))

	cfg.Store.Driver = "mongo"
	err = cfg.Validate("read")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be one of")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// Port does not matter outside serve.
	assert.NoError(t, cfg.Validate("assess"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Orchestrator.MaxConcurrency = 0
	err := cfg.Validate("assess")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrency must be between 1 and 256")

	cfg.Orchestrator.MaxConcurrency = 257
	assert.Error(t, cfg.Validate("assess"))

	cfg.Orchestrator.MaxConcurrency = 256
	assert.NoError(t, cfg.Validate("assess"))
}

func TestValidatePipelineKinds(t *testing.T) {
	cfg := validDefaults()
	cfg.Orchestrator.Pipeline = []string{"seo", "weather"}

	err := cfg.Validate("assess")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task kind weather")
}

func TestValidateRetry(t *testing.T) {
	cfg := validDefaults()
	cfg.Retry.MaxAttempts = 0
	cfg.Retry.JitterFraction = 1.5

	err := cfg.Validate("assess")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry.max_attempts")
	assert.Contains(t, err.Error(), "retry.jitter_fraction")
}

func TestValidateBudget(t *testing.T) {
	cfg := validDefaults()
	cfg.Budget.Ledger = "redis"
	err := cfg.Validate("assess")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr is required")

	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate("assess"))

	cfg.Budget.GlobalDailyUSD = -1
	cfg.Budget.PerKindDailyUSD = map[string]float64{"seo": -2}
	err = cfg.Validate("assess")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "global_daily_usd must be >= 0")
	assert.Contains(t, err.Error(), "per_kind_daily_usd values must be >= 0")

	cfg.Budget.Ledger = "etcd"
	err = cfg.Validate("assess")
	assert.Contains(t, err.Error(), "budget.ledger must be memory or redis")
}

func TestValidateMonitor(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.FailureRateThreshold = 0
	cfg.Monitoring.LookbackWindowHours = 0

	err := cfg.Validate("monitor")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failure_rate_threshold")
	assert.Contains(t, err.Error(), "lookback_window_hours")
}
