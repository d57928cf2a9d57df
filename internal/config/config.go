package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Workers    WorkersConfig    `yaml:"workers" mapstructure:"workers"`
	Suppliers  SuppliersConfig  `yaml:"suppliers" mapstructure:"suppliers"`
	Risk       RiskConfig       `yaml:"risk" mapstructure:"risk"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	Path        string     `yaml:"path" mapstructure:"path"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig holds optional connection pool tuning for the postgres driver.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// WorkersConfig tunes the enrichment worker pool and its retry policy.
type WorkersConfig struct {
	PerJob           int     `yaml:"per_job" mapstructure:"per_job"`
	GlobalLimit      int     `yaml:"global_limit" mapstructure:"global_limit"`
	ClaimTTLSecs     int     `yaml:"claim_ttl_secs" mapstructure:"claim_ttl_secs"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// SuppliersConfig lists the catalog suppliers queried during enrichment
// and the circuit breaker shared across them.
type SuppliersConfig struct {
	UseFixture bool             `yaml:"use_fixture" mapstructure:"use_fixture"`
	Entries    []SupplierConfig `yaml:"entries" mapstructure:"entries"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
}

// SupplierConfig holds credentials and rate limits for one catalog supplier.
type SupplierConfig struct {
	Name       string  `yaml:"name" mapstructure:"name"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey     string  `yaml:"api_key" mapstructure:"api_key"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst      int     `yaml:"burst" mapstructure:"burst"`
}

// BreakerConfig tunes the per-supplier circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	FailureWindowSecs int `yaml:"failure_window_secs" mapstructure:"failure_window_secs"`
	CoolDownSecs      int `yaml:"cool_down_secs" mapstructure:"cool_down_secs"`
}

// RiskConfig configures the risk scoring engine.
type RiskConfig struct {
	PolicyPath string `yaml:"policy_path" mapstructure:"policy_path"`
}

// MonitoringConfig tunes the health collector and alerter.
type MonitoringConfig struct {
	CheckIntervalSecs    int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StallAfterSecs       int    `yaml:"stall_after_secs" mapstructure:"stall_after_secs"`
	FailedItemsThreshold int    `yaml:"failed_items_threshold" mapstructure:"failed_items_threshold"`
	AlertWebhookURL      string `yaml:"alert_webhook_url" mapstructure:"alert_webhook_url"`
	NotifyWebhookURL     string `yaml:"notify_webhook_url" mapstructure:"notify_webhook_url"`
	ArchiveAfterHours    int    `yaml:"archive_after_hours" mapstructure:"archive_after_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml (if present) and environment
// variables prefixed with BOMFLOW_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("BOMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "bomflow.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("workers.per_job", 4)
	v.SetDefault("workers.global_limit", 16)
	v.SetDefault("workers.claim_ttl_secs", 120)
	v.SetDefault("workers.max_attempts", 3)
	v.SetDefault("workers.initial_backoff_ms", 500)
	v.SetDefault("workers.max_backoff_ms", 30000)
	v.SetDefault("workers.multiplier", 2.0)
	v.SetDefault("workers.jitter_fraction", 0.25)
	v.SetDefault("suppliers.use_fixture", true)
	v.SetDefault("suppliers.breaker.failure_threshold", 5)
	v.SetDefault("suppliers.breaker.failure_window_secs", 60)
	v.SetDefault("suppliers.breaker.cool_down_secs", 30)
	v.SetDefault("risk.policy_path", "")
	v.SetDefault("monitoring.check_interval_secs", 30)
	v.SetDefault("monitoring.stall_after_secs", 300)
	v.SetDefault("monitoring.failed_items_threshold", 50)
	v.SetDefault("monitoring.archive_after_hours", 720)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// InitLogger builds a zap logger from the log config and installs it as
// the global logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
