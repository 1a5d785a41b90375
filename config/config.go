// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/utter/domain/credit"
	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/ratelimit"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Credits   CreditsConfig   `yaml:"credits"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Billing   BillingConfig   `yaml:"billing"`
	Auth      AuthConfig      `yaml:"auth"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	PublicURL      string        `yaml:"public_url"` // external base URL, used for local blob URLs
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig configures the relational stores. Tasks, voices and
// billing events always live in the SQLite file at Path; Driver selects
// where the credit ledger lives.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // ledger backend: "sqlite" or "postgres"
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn,omitempty"` // postgres connection string
}

// RedisConfig configures the shared rate-limit counters.
// An empty Addr keeps counters in process memory.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RateLimitConfig configures the tiered limiter.
type RateLimitConfig struct {
	Enabled bool            `yaml:"enabled"`
	Window  time.Duration   `yaml:"window"`
	Tiers   ratelimit.Rules `yaml:"tiers"`
}

// Rules returns the effective tier rules. Disabled limiting yields no rules.
func (c RateLimitConfig) Rules() ratelimit.Rules {
	rules := ratelimit.Rules{}
	if !c.Enabled {
		return rules
	}
	for tier, r := range c.Tiers {
		if r.Window <= 0 {
			r.Window = c.Window
		}
		rules[tier] = r
	}
	return rules
}

// CreditsConfig configures allowances and trials.
type CreditsConfig struct {
	MonthlyAllowance int64 `yaml:"monthly_allowance"`
	DesignTrials     int   `yaml:"design_trials"`
	CloneTrials      int   `yaml:"clone_trials"`
}

// Trials returns the trial counters new accounts start with.
func (c CreditsConfig) Trials() map[ledger.Operation]int {
	return map[ledger.Operation]int{
		ledger.OpDesignPreview: c.DesignTrials,
		ledger.OpClone:         c.CloneTrials,
	}
}

// ProvidersConfig selects and configures the speech providers.
type ProvidersConfig struct {
	Mode  string      `yaml:"mode"` // "modal" or "qwen"
	Modal ModalConfig `yaml:"modal"`
	Qwen  QwenConfig  `yaml:"qwen"`
}

// ModalConfig configures the Modal endpoints.
type ModalConfig struct {
	SubmitURL     string        `yaml:"submit_url"`
	StatusURL     string        `yaml:"status_url"`
	ResultURL     string        `yaml:"result_url"`
	CancelURL     string        `yaml:"cancel_url,omitempty"`
	DesignURL     string        `yaml:"design_url"`
	Timeout       time.Duration `yaml:"timeout"`
	DesignTimeout time.Duration `yaml:"design_timeout"`
	MaxChars      int           `yaml:"max_chars"`
}

// QwenConfig configures the DashScope API.
type QwenConfig struct {
	APIKey          string        `yaml:"api_key,omitempty"`
	BaseURL         string        `yaml:"base_url"`
	CloneModel      string        `yaml:"clone_model"`
	DesignModel     string        `yaml:"design_model"`
	MaxChars        int           `yaml:"max_chars"`
	Timeout         time.Duration `yaml:"timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	DownloadRetries int           `yaml:"download_retries"`
}

// StorageConfig configures the blob store.
type StorageConfig struct {
	Driver          string        `yaml:"driver"` // "s3" or "memory"
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	SignedURLTTL    time.Duration `yaml:"signed_url_ttl"`
	UploadURLTTL    time.Duration `yaml:"upload_url_ttl"`
	SigningSecret   string        `yaml:"signing_secret,omitempty"` // memory driver URL signatures
}

// BillingConfig configures credit pack sales.
type BillingConfig struct {
	Mode          string            `yaml:"mode"` // "stripe", "dummy" or "none"
	SecretKey     string            `yaml:"secret_key,omitempty"`
	WebhookSecret string            `yaml:"webhook_secret,omitempty"`
	SuccessURL    string            `yaml:"success_url"`
	CancelURL     string            `yaml:"cancel_url"`
	Prices        map[string]string `yaml:"prices"` // pack id -> processor price id
}

// PriceIDs returns the configured price of each pack.
func (c BillingConfig) PriceIDs() map[credit.PackID]string {
	out := make(map[credit.PackID]string, len(c.Prices))
	for pack, price := range c.Prices {
		out[credit.PackID(pack)] = price
	}
	return out
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret,omitempty"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"` // tokens minted by the CLI
}

// TasksConfig configures background execution.
type TasksConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	AsyncStaleAfter time.Duration `yaml:"async_stale_after"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{RateLimit: RateLimitConfig{Enabled: true}, Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables (the most used ones):
//
//	UTTER_AUTH_JWT_SECRET      - JWT verification secret (required)
//	UTTER_DATABASE_DRIVER      - Ledger backend, sqlite or postgres (default: sqlite)
//	UTTER_DATABASE_PATH        - SQLite file (default: utter.db)
//	UTTER_DATABASE_DSN         - Postgres URL for the ledger
//	UTTER_REDIS_ADDR           - Redis address; empty keeps counters in memory
//	UTTER_PROVIDER_MODE        - modal or qwen (default: modal)
//	UTTER_MODAL_SUBMIT_URL     - Modal job submit endpoint
//	UTTER_QWEN_API_KEY         - DashScope API key
//	UTTER_STORAGE_DRIVER       - s3 or memory (default: memory)
//	UTTER_BILLING_MODE         - stripe, dummy or none (default: none)
//	UTTER_LOG_LEVEL            - debug, info, warn, error (default: info)
func LoadFromEnv() (*Config, error) {
	cfg := Config{RateLimit: RateLimitConfig{Enabled: true}, Metrics: MetricsConfig{Enabled: true}}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	if HasEnvConfig() {
		return LoadFromEnv()
	}
	return nil, fmt.Errorf("no configuration found: provide config file or set UTTER_AUTH_JWT_SECRET")
}

// HasEnvConfig returns true if essential environment variables are set.
func HasEnvConfig() bool {
	return os.Getenv("UTTER_AUTH_JWT_SECRET") != ""
}

// applyEnvOverrides applies UTTER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	envString("UTTER_SERVER_HOST", &cfg.Server.Host)
	envInt("UTTER_SERVER_PORT", &cfg.Server.Port)
	envString("UTTER_SERVER_PUBLIC_URL", &cfg.Server.PublicURL)
	envDuration("UTTER_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("UTTER_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)

	envString("UTTER_DATABASE_DRIVER", &cfg.Database.Driver)
	envString("UTTER_DATABASE_PATH", &cfg.Database.Path)
	envString("UTTER_DATABASE_DSN", &cfg.Database.DSN)

	envString("UTTER_REDIS_ADDR", &cfg.Redis.Addr)
	envString("UTTER_REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("UTTER_REDIS_DB", &cfg.Redis.DB)
	envString("UTTER_REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix)

	envBool("UTTER_RATELIMIT_ENABLED", &cfg.RateLimit.Enabled)
	envDuration("UTTER_RATELIMIT_WINDOW", &cfg.RateLimit.Window)

	if v := os.Getenv("UTTER_CREDITS_MONTHLY_ALLOWANCE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Credits.MonthlyAllowance = n
		}
	}

	envString("UTTER_PROVIDER_MODE", &cfg.Providers.Mode)
	envString("UTTER_MODAL_SUBMIT_URL", &cfg.Providers.Modal.SubmitURL)
	envString("UTTER_MODAL_STATUS_URL", &cfg.Providers.Modal.StatusURL)
	envString("UTTER_MODAL_RESULT_URL", &cfg.Providers.Modal.ResultURL)
	envString("UTTER_MODAL_CANCEL_URL", &cfg.Providers.Modal.CancelURL)
	envString("UTTER_MODAL_DESIGN_URL", &cfg.Providers.Modal.DesignURL)
	envString("UTTER_QWEN_API_KEY", &cfg.Providers.Qwen.APIKey)
	envString("UTTER_QWEN_BASE_URL", &cfg.Providers.Qwen.BaseURL)

	envString("UTTER_STORAGE_DRIVER", &cfg.Storage.Driver)
	envString("UTTER_STORAGE_BUCKET", &cfg.Storage.Bucket)
	envString("UTTER_STORAGE_REGION", &cfg.Storage.Region)
	envString("UTTER_STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	envString("UTTER_STORAGE_ACCESS_KEY_ID", &cfg.Storage.AccessKeyID)
	envString("UTTER_STORAGE_SECRET_ACCESS_KEY", &cfg.Storage.SecretAccessKey)
	envBool("UTTER_STORAGE_USE_PATH_STYLE", &cfg.Storage.UsePathStyle)
	envString("UTTER_STORAGE_SIGNING_SECRET", &cfg.Storage.SigningSecret)

	envString("UTTER_BILLING_MODE", &cfg.Billing.Mode)
	envString("UTTER_BILLING_SECRET_KEY", &cfg.Billing.SecretKey)
	envString("UTTER_BILLING_WEBHOOK_SECRET", &cfg.Billing.WebhookSecret)
	envString("UTTER_BILLING_SUCCESS_URL", &cfg.Billing.SuccessURL)
	envString("UTTER_BILLING_CANCEL_URL", &cfg.Billing.CancelURL)
	for _, pack := range []credit.PackID{credit.Pack150K, credit.Pack500K} {
		key := "UTTER_BILLING_PRICE_" + strings.ToUpper(strings.TrimPrefix(string(pack), "pack_"))
		if v := os.Getenv(key); v != "" {
			if cfg.Billing.Prices == nil {
				cfg.Billing.Prices = map[string]string{}
			}
			cfg.Billing.Prices[string(pack)] = v
		}
	}

	envString("UTTER_AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)
	envString("UTTER_AUTH_ISSUER", &cfg.Auth.Issuer)

	envInt("UTTER_TASKS_WORKERS", &cfg.Tasks.Workers)
	envInt("UTTER_TASKS_QUEUE_SIZE", &cfg.Tasks.QueueSize)

	envString("UTTER_LOG_LEVEL", &cfg.Logging.Level)
	envString("UTTER_LOG_FORMAT", &cfg.Logging.Format)

	envBool("UTTER_METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("UTTER_METRICS_PATH", &cfg.Metrics.Path)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "utter.db"
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "utter:"
	}

	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = 300 * time.Second
	}
	if len(cfg.RateLimit.Tiers) == 0 {
		cfg.RateLimit.Tiers = ratelimit.DefaultRules()
	}

	if cfg.Credits.DesignTrials == 0 {
		cfg.Credits.DesignTrials = credit.DesignTrialLimit
	}
	if cfg.Credits.CloneTrials == 0 {
		cfg.Credits.CloneTrials = credit.CloneTrialLimit
	}

	if cfg.Providers.Mode == "" {
		cfg.Providers.Mode = provider.Modal
	}
	if cfg.Providers.Modal.Timeout == 0 {
		cfg.Providers.Modal.Timeout = 30 * time.Second
	}
	if cfg.Providers.Modal.DesignTimeout == 0 {
		cfg.Providers.Modal.DesignTimeout = 5 * time.Minute
	}
	if cfg.Providers.Modal.MaxChars == 0 {
		cfg.Providers.Modal.MaxChars = 10000
	}
	if cfg.Providers.Qwen.MaxChars == 0 {
		cfg.Providers.Qwen.MaxChars = 600
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Storage.SignedURLTTL == 0 {
		cfg.Storage.SignedURLTTL = time.Hour
	}
	if cfg.Storage.UploadURLTTL == 0 {
		cfg.Storage.UploadURLTTL = 15 * time.Minute
	}

	if cfg.Billing.Mode == "" {
		cfg.Billing.Mode = "none"
	}
	if cfg.Billing.SuccessURL == "" {
		cfg.Billing.SuccessURL = cfg.Server.PublicURL + "/billing/success"
	}
	if cfg.Billing.CancelURL == "" {
		cfg.Billing.CancelURL = cfg.Server.PublicURL + "/billing/cancel"
	}

	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "utter"
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}

	if cfg.Tasks.Workers == 0 {
		cfg.Tasks.Workers = 4
	}
	if cfg.Tasks.QueueSize == 0 {
		cfg.Tasks.QueueSize = 64
	}
	if cfg.Tasks.SweepInterval == 0 {
		cfg.Tasks.SweepInterval = time.Minute
	}
	if cfg.Tasks.StaleAfter == 0 {
		cfg.Tasks.StaleAfter = 15 * time.Minute
	}
	if cfg.Tasks.AsyncStaleAfter == 0 {
		cfg.Tasks.AsyncStaleAfter = 2 * time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required when database.driver is 'postgres'")
		}
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'postgres', got %q", cfg.Database.Driver)
	}

	for tier, r := range cfg.RateLimit.Tiers {
		switch tier {
		case ratelimit.Tier1, ratelimit.Tier2, ratelimit.Tier3:
		default:
			return fmt.Errorf("rate_limit.tiers: unknown tier %q", tier)
		}
		if r.UserLimit < 0 || r.IPLimit < 0 {
			return fmt.Errorf("rate_limit.tiers.%s: limits must not be negative", tier)
		}
		if r.Window < 0 {
			return fmt.Errorf("rate_limit.tiers.%s: window must not be negative", tier)
		}
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}

	if cfg.Credits.MonthlyAllowance < 0 {
		return fmt.Errorf("credits.monthly_allowance must not be negative")
	}
	if cfg.Credits.DesignTrials < 0 || cfg.Credits.CloneTrials < 0 {
		return fmt.Errorf("credits trials must not be negative")
	}

	switch cfg.Providers.Mode {
	case provider.Modal:
		m := cfg.Providers.Modal
		if m.SubmitURL == "" || m.StatusURL == "" || m.ResultURL == "" || m.DesignURL == "" {
			return fmt.Errorf("providers.modal submit_url, status_url, result_url and design_url are required")
		}
	case provider.Qwen:
		if cfg.Providers.Qwen.APIKey == "" {
			return fmt.Errorf("providers.qwen.api_key is required when providers.mode is 'qwen'")
		}
	default:
		return fmt.Errorf("providers.mode must be 'modal' or 'qwen', got %q", cfg.Providers.Mode)
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "s3":
		if cfg.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required when storage.driver is 's3'")
		}
	default:
		return fmt.Errorf("storage.driver must be 's3' or 'memory', got %q", cfg.Storage.Driver)
	}

	switch cfg.Billing.Mode {
	case "none":
	case "stripe", "dummy":
		if cfg.Billing.WebhookSecret == "" {
			return fmt.Errorf("billing.webhook_secret is required when billing.mode is %q", cfg.Billing.Mode)
		}
		if cfg.Billing.Mode == "stripe" && cfg.Billing.SecretKey == "" {
			return fmt.Errorf("billing.secret_key is required when billing.mode is 'stripe'")
		}
	default:
		return fmt.Errorf("billing.mode must be one of: stripe, dummy, none")
	}
	for pack := range cfg.Billing.Prices {
		if pack != string(credit.Pack150K) && pack != string(credit.Pack500K) {
			return fmt.Errorf("billing.prices: unknown pack %q", pack)
		}
	}

	if cfg.Tasks.Workers < 1 {
		return fmt.Errorf("tasks.workers must be at least 1")
	}
	if cfg.Tasks.QueueSize < 1 {
		return fmt.Errorf("tasks.queue_size must be at least 1")
	}

	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}
