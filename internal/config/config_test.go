package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "bomflow.db", cfg.Store.Path)
	assert.Equal(t, int32(10), cfg.Store.Pool.MaxConns)
	assert.Equal(t, int32(2), cfg.Store.Pool.MinConns)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 4, cfg.Workers.PerJob)
	assert.Equal(t, 16, cfg.Workers.GlobalLimit)
	assert.Equal(t, 120, cfg.Workers.ClaimTTLSecs)
	assert.Equal(t, 3, cfg.Workers.MaxAttempts)
	assert.Equal(t, 500, cfg.Workers.InitialBackoffMs)
	assert.Equal(t, 30000, cfg.Workers.MaxBackoffMs)
	assert.InDelta(t, 2.0, cfg.Workers.Multiplier, 0.001)
	assert.InDelta(t, 0.25, cfg.Workers.JitterFraction, 0.001)
	assert.True(t, cfg.Suppliers.UseFixture)
	assert.Equal(t, 5, cfg.Suppliers.Breaker.FailureThreshold)
	assert.Equal(t, 60, cfg.Suppliers.Breaker.FailureWindowSecs)
	assert.Equal(t, 30, cfg.Suppliers.Breaker.CoolDownSecs)
	assert.Equal(t, 30, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 300, cfg.Monitoring.StallAfterSecs)
	assert.Equal(t, 50, cfg.Monitoring.FailedItemsThreshold)
	assert.Equal(t, 720, cfg.Monitoring.ArchiveAfterHours)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/bomflow
  pool:
    max_conns: 25
server:
  port: 9090
workers:
  per_job: 8
suppliers:
  use_fixture: false
  entries:
    - name: octopart
      base_url: https://api.octopart.example
      api_key: op-key
      rate_per_sec: 5
      burst: 10
    - name: digikey
      base_url: https://api.digikey.example
      api_key: dk-key
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/bomflow", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(25), cfg.Store.Pool.MaxConns)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Workers.PerJob)
	assert.False(t, cfg.Suppliers.UseFixture)
	require.Len(t, cfg.Suppliers.Entries, 2)
	assert.Equal(t, "octopart", cfg.Suppliers.Entries[0].Name)
	assert.Equal(t, "https://api.octopart.example", cfg.Suppliers.Entries[0].BaseURL)
	assert.InDelta(t, 5.0, cfg.Suppliers.Entries[0].RatePerSec, 0.001)
	assert.Equal(t, 10, cfg.Suppliers.Entries[0].Burst)
	assert.Equal(t, "digikey", cfg.Suppliers.Entries[1].Name)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, 16, cfg.Workers.GlobalLimit)
	assert.Equal(t, 30, cfg.Monitoring.CheckIntervalSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("BOMFLOW_STORE_DRIVER", "postgres")
	t.Setenv("BOMFLOW_STORE_DATABASE_URL", "postgres://env/bomflow")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://env/bomflow", cfg.Store.DatabaseURL)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("BOMFLOW_SERVER_PORT", "3000")
	t.Setenv("BOMFLOW_WORKERS_MAX_ATTEMPTS", "5")
	t.Setenv("BOMFLOW_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Workers.MaxAttempts)
	assert.Equal(t, "warn", cfg.Log.Level)
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
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a config equivalent to Load with no file or env set.
func validDefaults() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "bomflow.db",
			Pool:   PoolConfig{MaxConns: 10, MinConns: 2},
		},
		Server: ServerConfig{Port: 8080, CORSOrigins: []string{"*"}},
		Workers: WorkersConfig{
			PerJob:           4,
			GlobalLimit:      16,
			ClaimTTLSecs:     120,
			MaxAttempts:      3,
			InitialBackoffMs: 500,
			MaxBackoffMs:     30000,
			Multiplier:       2.0,
			JitterFraction:   0.25,
		},
		Suppliers: SuppliersConfig{
			UseFixture: true,
			Breaker:    BreakerConfig{FailureThreshold: 5, FailureWindowSecs: 60, CoolDownSecs: 30},
		},
		Monitoring: MonitoringConfig{
			CheckIntervalSecs:    30,
			StallAfterSecs:       300,
			FailedItemsThreshold: 50,
			ArchiveAfterHours:    720,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

func TestValidateServe_Defaults(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidatePostgres_RequiresURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/bomflow"
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateWorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Workers.PerJob = 0
	err := cfg.Validate("enrich")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "workers.per_job must be between 1 and 64")

	cfg.Workers.PerJob = 65
	err = cfg.Validate("enrich")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "workers.per_job must be between 1 and 64")

	cfg.Workers.PerJob = 64
	cfg.Workers.GlobalLimit = 64
	assert.NoError(t, cfg.Validate("enrich"))
}

func TestValidateGlobalLimitBelowPerJob(t *testing.T) {
	cfg := validDefaults()
	cfg.Workers.PerJob = 8
	cfg.Workers.GlobalLimit = 4

	err := cfg.Validate("enrich")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "workers.global_limit must be >= workers.per_job")
}

func TestValidateMaxAttemptsBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Workers.MaxAttempts = 0
	err := cfg.Validate("enrich")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "workers.max_attempts must be between 1 and 10")

	cfg.Workers.MaxAttempts = 11
	err = cfg.Validate("enrich")
	assert.Error(t, err)

	cfg.Workers.MaxAttempts = 10
	assert.NoError(t, cfg.Validate("enrich"))
}

func TestValidateSuppliers_RequiredWithoutFixture(t *testing.T) {
	cfg := validDefaults()
	cfg.Suppliers.UseFixture = false

	err := cfg.Validate("enrich")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "suppliers.entries is required when use_fixture is false")

	cfg.Suppliers.Entries = []SupplierConfig{{Name: "octopart"}}
	err = cfg.Validate("enrich")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "suppliers.entries[0].base_url is required")

	cfg.Suppliers.Entries[0].BaseURL = "https://api.octopart.example"
	assert.NoError(t, cfg.Validate("enrich"))
}

func TestValidateCLIMode_SkipsWorkerChecks(t *testing.T) {
	cfg := validDefaults()
	cfg.Workers.PerJob = 0
	cfg.Server.Port = 0

	// cli mode only needs a usable store
	assert.NoError(t, cfg.Validate("cli"))
}
