package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the rebalancer.
type Config struct {
	Storage   Storage       `yaml:"storage"`
	KIS       KIS           `yaml:"kis"`
	Trading   TradingConfig `yaml:"trading"`
	Dashboard Dashboard     `yaml:"dashboard"`
	Logging   Logging       `yaml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	TargetsPath string `yaml:"targets_path"`
}

// KIS holds credentials and endpoints for the KIS open API.
type KIS struct {
	AppKey         string `yaml:"app_key"`
	AppSecret      string `yaml:"app_secret"`
	AccountNo      string `yaml:"account_no"`
	BaseURL        string `yaml:"base_url"`
	Mock           bool   `yaml:"mock"`
	RequestsPerSec int    `yaml:"requests_per_sec"`
	RequestsPerMin int    `yaml:"requests_per_min"`
	TimeoutSec     int    `yaml:"timeout_sec"`
}

// TradingConfig defines sizing and execution parameters.
type TradingConfig struct {
	CashReserveRatio  float64 `yaml:"cash_reserve_ratio"`
	MaxRetries        int     `yaml:"max_retries"`
	RetryBaseDelayMs  int     `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs   int     `yaml:"retry_max_delay_ms"`
	PollIntervalMs    int     `yaml:"poll_interval_ms"`
	PollTimeoutSec    int     `yaml:"poll_timeout_sec"`
	QuoteTTLSec       int     `yaml:"quote_ttl_sec"`
	QuoteConcurrency  int     `yaml:"quote_concurrency"`
	SkipCalendarCheck bool    `yaml:"skip_calendar_check"`
}

// Dashboard configures the read-only HTTP API.
type Dashboard struct {
	Enabled    bool    `yaml:"enabled"`
	Host       string  `yaml:"host"`
	Port       int     `yaml:"port"`
	APIKey     string  `yaml:"api_key"`
	JWTSecret  string  `yaml:"jwt_secret"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides. A .env
// file in the working directory is loaded first when present, so local
// development credentials never have to live in the YAML.
func Load(path string) (*Config, error) {
	// Missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("TARGETS_PATH"); v != "" {
		cfg.Storage.TargetsPath = v
	}

	if v := os.Getenv("KIS_APP_KEY"); v != "" {
		cfg.KIS.AppKey = v
	}
	if v := os.Getenv("KIS_APP_SECRET"); v != "" {
		cfg.KIS.AppSecret = v
	}
	if v := os.Getenv("KIS_ACCOUNT_NO"); v != "" {
		cfg.KIS.AccountNo = v
	}
	if v := os.Getenv("KIS_BASE_URL"); v != "" {
		cfg.KIS.BaseURL = v
	}

	if v := os.Getenv("DASHBOARD_API_KEY"); v != "" {
		cfg.Dashboard.APIKey = v
	}
	if v := os.Getenv("DASHBOARD_JWT_SECRET"); v != "" {
		cfg.Dashboard.JWTSecret = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// applyDefaults fills in unset fields with working values.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "./data/rebalancer.db"
	}
	if cfg.Storage.TargetsPath == "" {
		cfg.Storage.TargetsPath = "./data/targets.yaml"
	}

	if cfg.KIS.RequestsPerSec <= 0 {
		cfg.KIS.RequestsPerSec = 2
	}
	if cfg.KIS.RequestsPerMin <= 0 {
		cfg.KIS.RequestsPerMin = 60
	}
	if cfg.KIS.TimeoutSec <= 0 {
		cfg.KIS.TimeoutSec = 10
	}

	if cfg.Trading.CashReserveRatio <= 0 || cfg.Trading.CashReserveRatio >= 1 {
		cfg.Trading.CashReserveRatio = 0.2
	}
	if cfg.Trading.MaxRetries <= 0 {
		cfg.Trading.MaxRetries = 3
	}
	if cfg.Trading.RetryBaseDelayMs <= 0 {
		cfg.Trading.RetryBaseDelayMs = 500
	}
	if cfg.Trading.RetryMaxDelayMs <= 0 {
		cfg.Trading.RetryMaxDelayMs = 10_000
	}
	if cfg.Trading.PollIntervalMs <= 0 {
		cfg.Trading.PollIntervalMs = 1_000
	}
	if cfg.Trading.PollTimeoutSec <= 0 {
		cfg.Trading.PollTimeoutSec = 30
	}
	if cfg.Trading.QuoteTTLSec <= 0 {
		cfg.Trading.QuoteTTLSec = 30
	}
	if cfg.Trading.QuoteConcurrency <= 0 {
		cfg.Trading.QuoteConcurrency = 10
	}

	if cfg.Dashboard.Host == "" {
		cfg.Dashboard.Host = "127.0.0.1"
	}
	if cfg.Dashboard.Port == 0 {
		cfg.Dashboard.Port = 8080
	}
	if cfg.Dashboard.RatePerSec <= 0 {
		cfg.Dashboard.RatePerSec = 10
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// validate rejects configurations that cannot possibly run.
func (c *Config) validate() error {
	if c.Dashboard.Enabled {
		if c.Dashboard.JWTSecret == "" {
			return fmt.Errorf("dashboard enabled without a JWT secret")
		}
		if c.Dashboard.APIKey == "" {
			return fmt.Errorf("dashboard enabled without an API key")
		}
	}
	return nil
}

// BrokerCredentialsSet reports whether the KIS credentials are present.
// The simulator path does not need them; live trading refuses to start
// without them.
func (c *Config) BrokerCredentialsSet() bool {
	return c.KIS.AppKey != "" && c.KIS.AppSecret != "" && c.KIS.AccountNo != ""
}

// KISTimeout returns the KIS request timeout as a duration.
func (c *Config) KISTimeout() time.Duration {
	return time.Duration(c.KIS.TimeoutSec) * time.Second
}

// RetryBaseDelay returns the first retry backoff as a duration.
func (c *TradingConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the backoff cap as a duration.
func (c *TradingConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

// PollInterval returns the fill-poll interval as a duration.
func (c *TradingConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// PollTimeout returns the per-order fill observation budget as a duration.
func (c *TradingConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSec) * time.Second
}

// QuoteTTL returns the quote cache lifetime as a duration.
func (c *TradingConfig) QuoteTTL() time.Duration {
	return time.Duration(c.QuoteTTLSec) * time.Second
}
