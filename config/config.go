// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/velariq/tokengate/domain/plan"
	"github.com/velariq/tokengate/domain/quota"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Abuse     AbuseConfig     `yaml:"abuse"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metering  MeteringConfig  `yaml:"metering"`
	Billing   BillingConfig   `yaml:"billing"`
	Email     EmailConfig     `yaml:"email"`
	Plans     []PlanConfig    `yaml:"plans"`
	Reset     ResetConfig     `yaml:"reset"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	EnableOpenAPI  bool          `yaml:"enable_openapi"` // serve /swagger and /.well-known/openapi.json
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// DatabaseConfig configures the ledger store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "sqlite", "postgres" or "memory"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Timeout         time.Duration `yaml:"timeout"` // bound on one ledger call
}

// RedisConfig configures the shared redis instance. An empty Addr disables redis.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CacheConfig configures the authorization cache.
type CacheConfig struct {
	Driver       string        `yaml:"driver"` // "memory", "redis" or "tiered"
	TTL          time.Duration `yaml:"ttl"`
	L1TTL        time.Duration `yaml:"l1_ttl"`
	L1MaxEntries int64         `yaml:"l1_max_entries"`
}

// AbuseConfig configures the per-origin abuse window.
type AbuseConfig struct {
	Driver    string        `yaml:"driver"` // "memory" or "redis"
	Window    time.Duration `yaml:"window"`
	Threshold int64         `yaml:"threshold"`
}

// RateLimitConfig configures the per-IP burst limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	APIPerMinute      int  `yaml:"api_per_minute"`
	CheckoutPerMinute int  `yaml:"checkout_per_minute"`
}

// MeteringConfig configures charging.
type MeteringConfig struct {
	FailurePolicy string `yaml:"failure_policy"` // "fail_closed", "fail_open", "fail_closed_at_edge"
}

// BillingConfig configures the billing provider.
type BillingConfig struct {
	Provider        string `yaml:"provider"` // "stripe" or "none"
	StripeKey       string `yaml:"stripe_key,omitempty"`
	WebhookSecret   string `yaml:"webhook_secret,omitempty"`
	PortalReturnURL string `yaml:"portal_return_url"`
}

// EmailConfig configures delivery of issued API keys.
type EmailConfig struct {
	Provider     string `yaml:"provider"` // "smtp", "log" or "none"
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username,omitempty"`
	SMTPPassword string `yaml:"smtp_password,omitempty"`
	SMTPUseTLS   bool   `yaml:"smtp_use_tls"`
	From         string `yaml:"from"`
	FromName     string `yaml:"from_name"`
	DashboardURL string `yaml:"dashboard_url"`
}

// PlanConfig configures a subscription tier.
type PlanConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	PriceID       string `yaml:"price_id"`
	Tokens        int64  `yaml:"tokens"`
	PriceUSD      int    `yaml:"price_usd"`
	WorkflowLimit string `yaml:"workflow_limit"`
}

// ResetConfig configures the monthly usage reset.
type ResetConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file. A .env file next to the working
// directory is loaded first when present; variables already set win.
func Load(path string) (*Config, error) {
	loadDotEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := defaultToggles()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(&cfg)
}

// LoadFromEnv creates configuration entirely from environment variables.
// This is useful for container deployments where no config file is needed.
//
// Environment variables:
//
//	TOKENGATE_SERVER_HOST            - Server host (default: 0.0.0.0)
//	TOKENGATE_SERVER_PORT            - Server port (default: 8080)
//	TOKENGATE_DATABASE_DRIVER        - sqlite, postgres or memory (default: sqlite)
//	TOKENGATE_DATABASE_DSN           - Database DSN (default: tokengate.db)
//	TOKENGATE_REDIS_ADDR             - Redis address (default: disabled)
//	TOKENGATE_CACHE_DRIVER           - memory, redis or tiered (default: memory)
//	TOKENGATE_CACHE_TTL              - Authorization cache TTL (default: 5m)
//	TOKENGATE_ABUSE_DRIVER           - memory or redis (default: memory)
//	TOKENGATE_ABUSE_THRESHOLD        - Requests per window per origin (default: 1000)
//	TOKENGATE_METERING_FAILURE_POLICY - Charge failure policy (default: fail_closed_at_edge)
//	TOKENGATE_BILLING_PROVIDER       - stripe or none (default: none)
//	TOKENGATE_STRIPE_SECRET_KEY      - Stripe API key
//	TOKENGATE_STRIPE_WEBHOOK_SECRET  - Stripe webhook signing secret
//	TOKENGATE_LOG_LEVEL              - Log level: debug, info, warn, error (default: info)
//	TOKENGATE_LOG_FORMAT             - Log format: json or console (default: json)
//	TOKENGATE_METRICS_ENABLED        - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	loadDotEnv()
	cfg := defaultToggles()
	return finish(&cfg)
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv() {
	// A missing file is the common case.
	_ = godotenv.Load()
}

// defaultToggles returns a config whose boolean switches default to on, so
// that an absent key in YAML keeps them enabled.
func defaultToggles() Config {
	return Config{
		RateLimit: RateLimitConfig{Enabled: true},
		Reset:     ResetConfig{Enabled: true},
		Metrics:   MetricsConfig{Enabled: true},
	}
}

// applyEnvOverrides applies TOKENGATE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	setString(&cfg.Server.Host, "TOKENGATE_SERVER_HOST")
	setInt(&cfg.Server.Port, "TOKENGATE_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "TOKENGATE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "TOKENGATE_SERVER_WRITE_TIMEOUT")
	if v := os.Getenv("TOKENGATE_SERVER_ENABLE_OPENAPI"); v != "" {
		cfg.Server.EnableOpenAPI = parseBool(v)
	}

	// Logging configuration
	setString(&cfg.Logging.Level, "TOKENGATE_LOG_LEVEL")
	setString(&cfg.Logging.Format, "TOKENGATE_LOG_FORMAT")

	// Database configuration
	setString(&cfg.Database.Driver, "TOKENGATE_DATABASE_DRIVER")
	setString(&cfg.Database.DSN, "TOKENGATE_DATABASE_DSN")

	// Redis configuration
	setString(&cfg.Redis.Addr, "TOKENGATE_REDIS_ADDR")
	setString(&cfg.Redis.Password, "TOKENGATE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TOKENGATE_REDIS_DB")

	// Cache and abuse configuration
	setString(&cfg.Cache.Driver, "TOKENGATE_CACHE_DRIVER")
	setDuration(&cfg.Cache.TTL, "TOKENGATE_CACHE_TTL")
	setString(&cfg.Abuse.Driver, "TOKENGATE_ABUSE_DRIVER")
	if v := os.Getenv("TOKENGATE_ABUSE_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Abuse.Threshold = n
		}
	}

	// Rate limit configuration
	if v := os.Getenv("TOKENGATE_RATELIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = parseBool(v)
	}

	// Metering configuration
	setString(&cfg.Metering.FailurePolicy, "TOKENGATE_METERING_FAILURE_POLICY")

	// Billing configuration
	setString(&cfg.Billing.Provider, "TOKENGATE_BILLING_PROVIDER")
	setString(&cfg.Billing.StripeKey, "TOKENGATE_STRIPE_SECRET_KEY")
	setString(&cfg.Billing.WebhookSecret, "TOKENGATE_STRIPE_WEBHOOK_SECRET")

	// Email configuration
	setString(&cfg.Email.Provider, "TOKENGATE_EMAIL_PROVIDER")
	setString(&cfg.Email.SMTPHost, "TOKENGATE_SMTP_HOST")
	setString(&cfg.Email.SMTPPassword, "TOKENGATE_SMTP_PASSWORD")

	// Reset configuration
	if v := os.Getenv("TOKENGATE_RESET_ENABLED"); v != "" {
		cfg.Reset.Enabled = parseBool(v)
	}
	setString(&cfg.Reset.Schedule, "TOKENGATE_RESET_SCHEDULE")

	// Metrics configuration
	if v := os.Getenv("TOKENGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	setString(&cfg.Metrics.Path, "TOKENGATE_METRICS_PATH")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
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
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "tokengate.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Database.Timeout == 0 {
		cfg.Database.Timeout = 5 * time.Second
	}

	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = time.Second
	}

	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = "memory"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Cache.L1TTL == 0 {
		cfg.Cache.L1TTL = 30 * time.Second
	}
	if cfg.Cache.L1MaxEntries == 0 {
		cfg.Cache.L1MaxEntries = 100000
	}

	if cfg.Abuse.Driver == "" {
		cfg.Abuse.Driver = "memory"
	}
	if cfg.Abuse.Window == 0 {
		cfg.Abuse.Window = time.Hour
	}
	if cfg.Abuse.Threshold == 0 {
		cfg.Abuse.Threshold = 1000
	}

	if cfg.RateLimit.APIPerMinute == 0 {
		cfg.RateLimit.APIPerMinute = 100
	}
	if cfg.RateLimit.CheckoutPerMinute == 0 {
		cfg.RateLimit.CheckoutPerMinute = 10
	}

	if cfg.Metering.FailurePolicy == "" {
		cfg.Metering.FailurePolicy = string(quota.FailClosedAtEdge)
	}

	if cfg.Billing.Provider == "" {
		cfg.Billing.Provider = "none"
	}

	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "log"
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = 587
	}
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = "tokengate"
	}

	if cfg.Reset.Schedule == "" {
		cfg.Reset.Schedule = "0 0 1 * *"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Standard tiers if none configured
	if len(cfg.Plans) == 0 {
		for _, t := range plan.DefaultTiers() {
			cfg.Plans = append(cfg.Plans, PlanConfig{
				ID:            t.ID,
				Name:          t.Name,
				Tokens:        t.Tokens,
				PriceUSD:      t.PriceUSD,
				WorkflowLimit: t.WorkflowLimit,
			})
		}
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", cfg.Server.Port))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error"))
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format))
	}

	switch cfg.Database.Driver {
	case "sqlite", "memory":
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be one of: sqlite, postgres, memory"))
	}

	switch cfg.Cache.Driver {
	case "memory":
	case "redis", "tiered":
		if cfg.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis.addr is required when cache.driver is %q", cfg.Cache.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.driver must be one of: memory, redis, tiered"))
	}

	switch cfg.Abuse.Driver {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis.addr is required when abuse.driver is 'redis'"))
		}
	default:
		errs = append(errs, fmt.Errorf("abuse.driver must be 'memory' or 'redis'"))
	}
	if cfg.Abuse.Threshold < 0 {
		errs = append(errs, fmt.Errorf("abuse.threshold must not be negative"))
	}

	if _, err := quota.ParseFailurePolicy(cfg.Metering.FailurePolicy); err != nil {
		errs = append(errs, fmt.Errorf("metering.failure_policy: %w", err))
	}

	switch cfg.Billing.Provider {
	case "none":
	case "stripe":
		if cfg.Billing.StripeKey == "" {
			errs = append(errs, fmt.Errorf("billing.stripe_key is required when billing.provider is 'stripe'"))
		}
		if cfg.Billing.WebhookSecret == "" {
			errs = append(errs, fmt.Errorf("billing.webhook_secret is required when billing.provider is 'stripe'"))
		}
	default:
		errs = append(errs, fmt.Errorf("billing.provider must be 'stripe' or 'none'"))
	}

	switch cfg.Email.Provider {
	case "log", "none":
	case "smtp":
		if cfg.Email.SMTPHost == "" {
			errs = append(errs, fmt.Errorf("email.smtp_host is required when email.provider is 'smtp'"))
		}
	default:
		errs = append(errs, fmt.Errorf("email.provider must be one of: smtp, log, none"))
	}

	seenPrice := make(map[string]bool)
	for i, p := range cfg.Plans {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("plans[%d].id is required", i))
		}
		if p.Tokens <= 0 {
			errs = append(errs, fmt.Errorf("plans[%d].tokens must be positive", i))
		}
		if p.PriceID != "" {
			if seenPrice[p.PriceID] {
				errs = append(errs, fmt.Errorf("plans[%d].price_id %q is duplicated", i, p.PriceID))
			}
			seenPrice[p.PriceID] = true
		}
	}

	return errors.Join(errs...)
}

// Tiers converts the configured plans into domain tiers.
func (c *Config) Tiers() []plan.Tier {
	tiers := make([]plan.Tier, 0, len(c.Plans))
	for _, p := range c.Plans {
		tiers = append(tiers, plan.Tier{
			ID:            p.ID,
			PriceID:       p.PriceID,
			Name:          p.Name,
			Tokens:        p.Tokens,
			PriceUSD:      p.PriceUSD,
			WorkflowLimit: p.WorkflowLimit,
		})
	}
	return tiers
}

// Catalog builds the plan catalog from the configured tiers.
func (c *Config) Catalog() plan.Catalog {
	return plan.NewCatalog(c.Tiers())
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
