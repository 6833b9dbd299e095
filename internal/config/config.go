// Package config loads and validates all runtime configuration for the
// payment gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one provider key is strictly required for the gateway to start.
// Redis is optional — set STORE_MODE=memory to run the ledger, key store and
// payment store entirely in-process with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Redis holds the connection URL for the Redis-backed ledger, key store,
	// payment store and rate limiter. Required only when StoreMode is "redis".
	Redis RedisConfig

	// Store controls where accounts, payments and the budget ledger live.
	Store StoreConfig

	// Dispatch controls upstream provider call behaviour.
	Dispatch DispatchConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-account request-rate limiting.
	RateLimit RateLimitConfig

	// Audit controls the durable audit trail.
	Audit AuditConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Mode selects where state lives:
	//   "redis"  — Redis-backed (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process. No external deps; not shared across replicas.
	// Default: "memory".
	Mode string

	// DefaultBalanceMicros is the balance (micro-USDC) credited to the dev
	// account seeded at startup. Default: 10_000_000 (10 USDC).
	DefaultBalanceMicros int64

	// DevAPIKey, when non-empty, is registered at startup under account "dev"
	// and credited with DefaultBalanceMicros. Local development only.
	DevAPIKey string
}

// DispatchConfig controls upstream provider calls.
type DispatchConfig struct {
	// MaxAttempts is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxAttempts int

	// Timeout is the per-attempt provider timeout. Default: 30s.
	Timeout time.Duration

	// BackoffBase is the delay before the second attempt; it doubles per
	// retry. Default: 200ms.
	BackoffBase time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls per-account request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per account.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// AuditConfig controls the durable audit trail.
type AuditConfig struct {
	// ClickHouseDSN is a clickhouse:// DSN for the audit event sink.
	// Leave empty to log audit events via slog only.
	ClickHouseDSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when STORE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("DEFAULT_BALANCE_MICROS", int64(10_000_000))
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Dispatch defaults.
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("DISPATCH_TIMEOUT", "30s")
	v.SetDefault("BACKOFF_BASE", "200ms")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Store: StoreConfig{
			Mode:                 strings.ToLower(v.GetString("STORE_MODE")),
			DefaultBalanceMicros: v.GetInt64("DEFAULT_BALANCE_MICROS"),
			DevAPIKey:            v.GetString("DEV_API_KEY"),
		},

		Dispatch: DispatchConfig{
			MaxAttempts: v.GetInt("MAX_ATTEMPTS"),
			Timeout:     v.GetDuration("DISPATCH_TIMEOUT"),
			BackoffBase: v.GetDuration("BACKOFF_BASE"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Audit: AuditConfig{
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// At least one provider must be configured.
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY)",
		)
	}

	// Redis URL is required when state lives in Redis.
	if c.Store.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when STORE_MODE=redis; " +
				"set STORE_MODE=memory to run entirely in-process",
		)
	}

	// Validate store mode value.
	switch c.Store.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid STORE_MODE %q; must be one of: redis, memory",
			c.Store.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be ≥ 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Store.DefaultBalanceMicros < 0 {
		return fmt.Errorf("config: DEFAULT_BALANCE_MICROS must be ≥ 0, got %d", c.Store.DefaultBalanceMicros)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
