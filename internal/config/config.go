// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OLLAMA_URL becomes ollama_url
// in YAML.
//
// At least one backend must be configured for the gateway to start - a local
// inference server URL or a hosted provider key. Redis is optional: set
// CACHE_MODE=memory to use the built-in in-process cache with no external
// dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/forgeloop/agent-gateway/internal/preset"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Local inference backends, tried first by default.
	Ollama BackendConfig
	VLLM   BackendConfig

	// Hosted providers, fallback_only by default.
	OpenAI    BackendConfig
	Anthropic BackendConfig
	Gemini    BackendConfig

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// Admission bounds concurrent in-flight backend calls.
	Admission AdmissionConfig

	// Trace controls the trace event publisher and its optional sink.
	Trace TraceConfig

	// CircuitBreaker controls per-backend circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// BackendTimeout is the per-backend call timeout. Default: 60s.
	BackendTimeout time.Duration

	// AgentPresets overrides or extends the builtin per-agent-type parameter
	// table. YAML only (agent_presets key).
	AgentPresets map[string]preset.Params

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// BackendConfig holds configuration for a single completion backend.
type BackendConfig struct {
	// URL is the backend's base URL. Required for local inference servers;
	// optional override for hosted providers.
	URL string

	// APIKey is the provider API key. Required for hosted providers; local
	// servers usually run without one.
	APIKey string

	// Enabled gates the backend. Defaults to true whenever the backend is
	// configured (URL or key set).
	Enabled bool

	// Priority orders routing attempts; lower is tried first.
	Priority int

	// FallbackOnly marks the backend as eligible only after another backend
	// has failed within the same request.
	FallbackOnly bool

	// Models restricts the backend to specific model identifiers. Empty
	// means the backend accepts any model.
	Models []string
}

// Configured reports whether the backend has any connection settings at all.
func (b *BackendConfig) Configured() bool {
	return b.URL != "" || b.APIKey != ""
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the completion cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  - Redis-backed shared cache (requires REDIS_URL). Survives
	//              restarts and is shared across replicas.
	//   "memory" - In-process bounded cache. No external deps.
	//   "none"   - Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached completions. Default: 1h.
	TTL time.Duration

	// MaxEntries bounds the in-process cache ("memory" mode only).
	// Default: 1024.
	MaxEntries int
}

// AdmissionConfig bounds concurrent backend calls.
type AdmissionConfig struct {
	// MaxConcurrency is the number of in-flight backend calls allowed at
	// once. Default: 32.
	MaxConcurrency int
}

// TraceConfig controls trace event handling.
type TraceConfig struct {
	// MaxEvents bounds the per-trace event history. Default: 256.
	MaxEvents int

	// Retention is how long an idle trace's history is kept. Default: 24h.
	Retention time.Duration

	// ClickHouseAddr enables the ClickHouse event sink when set,
	// e.g. "localhost:9000". Empty disables the sink.
	ClickHouseAddr string

	// ClickHouseDatabase selects the sink database. Default: "default".
	ClickHouseDatabase string
}

// CircuitBreakerConfig controls per-backend circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trip
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int

	// AgentRPMLimit caps any single agent type. 0 disables. Default: 0.
	AgentRPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
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
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 1024)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Local backends are primary; hosted providers are fallback.
	v.SetDefault("OLLAMA_PRIORITY", 1)
	v.SetDefault("VLLM_PRIORITY", 2)
	v.SetDefault("OPENAI_PRIORITY", 10)
	v.SetDefault("ANTHROPIC_PRIORITY", 11)
	v.SetDefault("GEMINI_PRIORITY", 12)
	v.SetDefault("OPENAI_FALLBACK_ONLY", true)
	v.SetDefault("ANTHROPIC_FALLBACK_ONLY", true)
	v.SetDefault("GEMINI_FALLBACK_ONLY", true)

	// Admission defaults.
	v.SetDefault("MAX_CONCURRENCY", 32)

	// Trace defaults.
	v.SetDefault("TRACE_MAX_EVENTS", 256)
	v.SetDefault("TRACE_RETENTION", "24h")
	v.SetDefault("CLICKHOUSE_DATABASE", "default")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Routing defaults.
	v.SetDefault("BACKEND_TIMEOUT", "60s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("AGENT_RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Ollama:    loadBackend(v, "OLLAMA"),
		VLLM:      loadBackend(v, "VLLM"),
		OpenAI:    loadBackend(v, "OPENAI"),
		Anthropic: loadBackend(v, "ANTHROPIC"),
		Gemini:    loadBackend(v, "GEMINI"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:       strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:        v.GetDuration("CACHE_TTL"),
			MaxEntries: v.GetInt("CACHE_MAX_ENTRIES"),
		},

		Admission: AdmissionConfig{
			MaxConcurrency: v.GetInt("MAX_CONCURRENCY"),
		},

		Trace: TraceConfig{
			MaxEvents:          v.GetInt("TRACE_MAX_EVENTS"),
			Retention:          v.GetDuration("TRACE_RETENTION"),
			ClickHouseAddr:     v.GetString("CLICKHOUSE_ADDR"),
			ClickHouseDatabase: v.GetString("CLICKHOUSE_DATABASE"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit:      v.GetInt("RPM_LIMIT"),
			AgentRPMLimit: v.GetInt("AGENT_RPM_LIMIT"),
		},

		BackendTimeout: v.GetDuration("BACKEND_TIMEOUT"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// Agent presets come from the YAML file only; env vars cannot express a
	// nested table.
	if v.IsSet("agent_presets") {
		if err := v.UnmarshalKey("agent_presets", &cfg.AgentPresets); err != nil {
			return nil, fmt.Errorf("config: invalid agent_presets: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadBackend reads the per-backend settings for the given env prefix.
// A configured backend (URL or key present) is enabled unless <PREFIX>_ENABLED
// is explicitly false.
func loadBackend(v *viper.Viper, prefix string) BackendConfig {
	apiKeyVar := prefix + "_API_KEY"
	if prefix == "GEMINI" {
		// The Google SDK convention.
		apiKeyVar = "GOOGLE_API_KEY"
	}

	b := BackendConfig{
		URL:          v.GetString(prefix + "_URL"),
		APIKey:       v.GetString(apiKeyVar),
		Priority:     v.GetInt(prefix + "_PRIORITY"),
		FallbackOnly: v.GetBool(prefix + "_FALLBACK_ONLY"),
		Models:       v.GetStringSlice(prefix + "_MODELS"),
	}

	if v.IsSet(prefix + "_ENABLED") {
		b.Enabled = v.GetBool(prefix + "_ENABLED")
	} else {
		b.Enabled = b.Configured()
	}
	return b
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneBackend() {
		return fmt.Errorf(
			"config: at least one backend is required " +
				"(OLLAMA_URL, VLLM_URL, OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY)",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Admission.MaxConcurrency < 1 {
		return fmt.Errorf("config: MAX_CONCURRENCY must be ≥ 1, got %d", c.Admission.MaxConcurrency)
	}
	if c.Cache.Mode == "memory" && c.Cache.MaxEntries < 1 {
		return fmt.Errorf("config: CACHE_MAX_ENTRIES must be ≥ 1, got %d", c.Cache.MaxEntries)
	}
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("config: BACKEND_TIMEOUT must be a positive duration")
	}
	if c.Trace.MaxEvents < 1 {
		return fmt.Errorf("config: TRACE_MAX_EVENTS must be ≥ 1, got %d", c.Trace.MaxEvents)
	}

	return nil
}

// AtLeastOneBackend returns true if at least one backend is configured.
func (c *Config) AtLeastOneBackend() bool {
	return c.Ollama.Configured() ||
		c.VLLM.Configured() ||
		c.OpenAI.Configured() ||
		c.Anthropic.Configured() ||
		c.Gemini.Configured()
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
