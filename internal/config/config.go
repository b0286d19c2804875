// Package config provides centralized configuration management for the OHLCV gateway.
// This module handles configuration loading from multiple sources (files, environment variables),
// validation, and provides typed configuration structures for the storage backends, the
// market-data origin, the HTTP server and the background services.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "GATEWAY_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name" env:"APP_NAME"`
	Version    string `json:"version" env:"VERSION"`
	ConfigPath string `json:"-" env:"CONFIG_PATH"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Market-data origin configuration
	Origin OriginConfig `json:"origin"`

	// HTTP server configuration
	Server ServerConfig `json:"server"`

	// Instrument catalog and trading sessions
	Instruments InstrumentsConfig `json:"instruments"`

	// Historical bar resolver configuration
	Resolver ResolverConfig `json:"resolver"`

	// Per-series fetch lock configuration
	Lock LockConfig `json:"lock"`

	// Background cache warmer configuration
	Warmer WarmerConfig `json:"warmer"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics"`

	// Error handling configuration
	ErrorHandling ErrorHandlingConfig `json:"error_handling"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type            string `json:"type" env:"STORAGE_TYPE"`                        // "duckdb", "postgres", "memory"
	DatabaseURL     string `json:"database_url" env:"DATABASE_URL"`                // DuckDB file path or Postgres DSN
	MaxConns        int    `json:"max_conns" env:"MAX_CONNS"`                      // Maximum database connections
	MinConns        int    `json:"min_conns" env:"MIN_CONNS"`                      // Minimum idle connections (postgres)
	IdleTimeout     string `json:"idle_timeout" env:"IDLE_TIMEOUT"`                // Connection idle timeout
	ConnMaxLifetime string `json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`      // Connection lifetime (postgres)
	QueryTimeout    string `json:"query_timeout" env:"QUERY_TIMEOUT"`              // Query execution timeout
	AutoMigrate     bool   `json:"auto_migrate" env:"STORAGE_AUTO_MIGRATE"`        // Apply migrations on startup
}

// OriginConfig configures the upstream market-data source
type OriginConfig struct {
	Type              string            `json:"type" env:"ORIGIN_TYPE"`                              // "gateway", "polygon"
	BaseURL           string            `json:"base_url" env:"ORIGIN_BASE_URL"`                      // Gateway bridge URL
	APIKey            string            `json:"api_key" env:"ORIGIN_API_KEY"`                        // Polygon API key
	RateLimit         int               `json:"rate_limit" env:"ORIGIN_RATE_LIMIT"`                  // Requests per minute
	Burst             int               `json:"burst" env:"ORIGIN_BURST"`                            // Rate limiter burst
	Timeout           string            `json:"timeout" env:"ORIGIN_TIMEOUT"`                        // HTTP request timeout
	VolumeMultiplier  int64             `json:"volume_multiplier" env:"ORIGIN_VOLUME_MULTIPLIER"`    // Applied to stock volume
	KeepAliveInterval string            `json:"keep_alive_interval" env:"ORIGIN_KEEP_ALIVE_INTERVAL"` // Gateway tickle period, empty disables
	SkipTLSVerify     bool              `json:"skip_tls_verify" env:"ORIGIN_SKIP_TLS_VERIFY"`        // Gateway bridges use self-signed certs
	RetryPolicy       RetryPolicyConfig `json:"retry_policy"`                                        // Retry configuration
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Host            string `json:"host" env:"SERVER_HOST"`
	Port            int    `json:"port" env:"SERVER_PORT"`
	Mode            string `json:"mode" env:"SERVER_MODE"` // gin mode: debug, release, test
	ReadTimeout     string `json:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    string `json:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout string `json:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// InstrumentsConfig configures the instrument catalog and session lookup
type InstrumentsConfig struct {
	Catalog       []InstrumentConfig `json:"catalog"`
	SessionSource string             `json:"session_source" env:"SESSION_SOURCE"` // "schedule", "gateway"
	RemoteLookup  bool               `json:"remote_lookup" env:"INSTRUMENT_REMOTE_LOOKUP"`
}

// InstrumentConfig is one catalog entry
type InstrumentConfig struct {
	Ticker       string `json:"ticker"` // EXCHANGE:SYMBOL
	BrokerSymbol string `json:"broker_symbol,omitempty"`
	Description  string `json:"description,omitempty"`
	TickSize     string `json:"tick_size"`
	Multiplier   int64  `json:"multiplier,omitempty"`
}

// ResolverConfig configures the historical bar resolver
type ResolverConfig struct {
	MaxChunkSteps int    `json:"max_chunk_steps" env:"RESOLVER_MAX_CHUNK_STEPS"` // Bars per origin request
	WidenWindow   string `json:"widen_window" env:"RESOLVER_WIDEN_WINDOW"`       // Padding for chunks outside the session
	FillTimeout   string `json:"fill_timeout" env:"RESOLVER_FILL_TIMEOUT"`       // Bound on one gap-fill pass
}

// LockConfig configures the per-series fetch lock
type LockConfig struct {
	Type          string `json:"type" env:"LOCK_TYPE"` // "none", "local", "redis"
	RedisAddr     string `json:"redis_addr" env:"LOCK_REDIS_ADDR"`
	RedisPassword string `json:"redis_password" env:"LOCK_REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db" env:"LOCK_REDIS_DB"`
	KeyPrefix     string `json:"key_prefix" env:"LOCK_KEY_PREFIX"`
	TTL           string `json:"ttl" env:"LOCK_TTL"`
	RetryInterval string `json:"retry_interval" env:"LOCK_RETRY_INTERVAL"`
}

// WarmerConfig configures the background cache warmer
type WarmerConfig struct {
	Enabled           bool     `json:"enabled" env:"WARMER_ENABLED"`
	Interval          string   `json:"interval" env:"WARMER_INTERVAL"`
	Lookback          string   `json:"lookback" env:"WARMER_LOOKBACK"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs" env:"WARMER_MAX_CONCURRENT_JOBS"`
	JobTimeout        string   `json:"job_timeout" env:"WARMER_JOB_TIMEOUT"`
	RateLimit         int      `json:"rate_limit" env:"WARMER_RATE_LIMIT"` // Jobs per minute
	Tickers           []string `json:"tickers" env:"WARMER_TICKERS"`
	Timeframes        []string `json:"timeframes" env:"WARMER_TIMEFRAMES"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" env:"LOG_LEVEL"`             // Log level: debug, info, warn, error
	Format        string            `json:"format" env:"LOG_FORMAT"`           // Log format: json, text
	Output        string            `json:"output" env:"LOG_OUTPUT"`           // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" env:"LOG_FILE_PATH"`     // Log file path
	MaxSize       int               `json:"max_size" env:"LOG_MAX_SIZE"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" env:"LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge        int               `json:"max_age" env:"LOG_MAX_AGE"`         // Maximum log file age in days
	Compress      bool              `json:"compress" env:"LOG_COMPRESS"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields"`                    // Additional context fields
}

// MetricsConfig configures metrics collection
type MetricsConfig struct {
	Enabled         bool   `json:"enabled" env:"METRICS_ENABLED"`                   // Enable metrics collection
	Port            int    `json:"port" env:"METRICS_PORT"`                         // Separate metrics port, 0 mounts on the API server
	Path            string `json:"path" env:"METRICS_PATH"`                         // Metrics endpoint path
	UpdateInterval  string `json:"update_interval" env:"METRICS_UPDATE_INTERVAL"`   // System metrics refresh interval
	HistoryDuration string `json:"history_duration" env:"METRICS_HISTORY_DURATION"` // How long to keep metrics history
}

// ErrorHandlingConfig configures error handling and retry policies
type ErrorHandlingConfig struct {
	GlobalRetryPolicy    RetryPolicyConfig            `json:"global_retry_policy"`                                 // Global retry policy
	ComponentPolicies    map[string]RetryPolicyConfig `json:"component_policies"`                                  // Component-specific retry policies
	EnableCircuitBreaker bool                         `json:"enable_circuit_breaker" env:"ENABLE_CIRCUIT_BREAKER"` // Enable circuit breaker pattern
	CircuitBreakerConfig CircuitBreakerConfig         `json:"circuit_breaker_config"`                              // Circuit breaker configuration
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int      `json:"max_attempts"`     // Maximum attempts including the first
	InitialDelay    string   `json:"initial_delay"`    // Initial delay between retries
	MaxDelay        string   `json:"max_delay"`        // Maximum delay between retries
	BackoffStrategy string   `json:"backoff_strategy"` // Backoff strategy: fixed, exponential, linear
	RetryableErrors []string `json:"retryable_errors"` // List of retryable error types
	Jitter          bool     `json:"jitter"`           // Add randomness to delays
}

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold"`  // Number of failures to open circuit
	RecoveryTimeout  string `json:"recovery_timeout"`   // Time before attempting recovery
	HalfOpenRequests int    `json:"half_open_requests"` // Number of test requests in half-open state
}

// ConfigManager loads an AppConfig from defaults, an optional JSON file and
// GATEWAY_-prefixed environment variables, in increasing precedence.
type ConfigManager struct {
	path   string
	logger *slog.Logger
}

// NewConfigManager creates a loader for path. An empty path skips the file layer.
func NewConfigManager(path string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigManager{path: path, logger: logger}
}

// LoadConfig layers the file and the environment over DefaultConfig and
// validates the result.
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	cfg := DefaultConfig()

	if err := cm.loadFromFile(cfg); err != nil {
		return nil, err
	}
	if err := cm.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cm.validateConfig(cfg); err != nil {
		return nil, err
	}

	cm.logger.InfoContext(ctx, "configuration loaded",
		"path", cm.path,
		"storage", cfg.Storage.Type,
		"origin", cfg.Origin.Type,
		"lock", cfg.Lock.Type,
		"log_level", cfg.Logging.Level)
	return cfg, nil
}

// loadFromFile decodes the JSON file over cfg. A missing file is not an error.
func (cm *ConfigManager) loadFromFile(cfg *AppConfig) error {
	if cm.path == "" {
		return nil
	}
	data, err := os.ReadFile(cm.path)
	if errors.Is(err, fs.ErrNotExist) {
		cm.logger.Debug("no config file, using defaults", "path", cm.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", cm.path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", cm.path, err)
	}
	return nil
}

// loadFromEnv overrides fields whose GATEWAY_-prefixed variable is set.
// Unset variables leave the current value alone; malformed values are errors.
func (cm *ConfigManager) loadFromEnv(cfg *AppConfig) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix})
}

// problems accumulates validation failures so all of them are reported at once.
type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p *problems) duration(name, value string, required bool) {
	if value == "" {
		if required {
			p.addf("%s is required", name)
		}
		return
	}
	if _, err := time.ParseDuration(value); err != nil {
		p.addf("%s is not a valid duration: %v", name, err)
	}
}

func (p *problems) oneOf(name, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	p.addf("%s must be one of: %s", name, strings.Join(allowed, ", "))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration (%d problems):\n  - %s", len(p), strings.Join(p, "\n  - "))
}

func (cm *ConfigManager) validateConfig(cfg *AppConfig) error {
	var p problems
	cfg.Storage.validate(&p)
	cfg.Origin.validate(&p)
	cfg.Server.validate(&p)
	cfg.Instruments.validate(&p, cfg.Origin.Type)
	cfg.Resolver.validate(&p)
	cfg.Lock.validate(&p)
	cfg.Warmer.validate(&p)
	cfg.Logging.validate(&p)
	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535) {
		p.addf("metrics.port must be between 0 and 65535")
	}
	return p.err()
}

func (c StorageConfig) validate(p *problems) {
	switch c.Type {
	case "":
		p.addf("storage.type is required")
	case "duckdb", "postgres":
		if c.DatabaseURL == "" {
			p.addf("storage.database_url is required for %s storage", c.Type)
		}
	default:
		p.oneOf("storage.type", c.Type, "duckdb", "postgres", "memory")
	}
	if c.MaxConns < 0 {
		p.addf("storage.max_conns must not be negative")
	}
	p.duration("storage.query_timeout", c.QueryTimeout, false)
}

func (c OriginConfig) validate(p *problems) {
	switch c.Type {
	case "":
		p.addf("origin.type is required")
	case "gateway":
		if c.BaseURL == "" {
			p.addf("origin.base_url is required for the gateway origin")
		}
	case "polygon":
		if c.APIKey == "" {
			p.addf("origin.api_key is required for the polygon origin")
		}
	default:
		p.oneOf("origin.type", c.Type, "gateway", "polygon")
	}
	if c.RateLimit <= 0 {
		p.addf("origin.rate_limit must be greater than 0")
	}
	if c.VolumeMultiplier <= 0 {
		p.addf("origin.volume_multiplier must be greater than 0")
	}
	p.duration("origin.timeout", c.Timeout, true)
	p.duration("origin.keep_alive_interval", c.KeepAliveInterval, false)
}

func (s ServerConfig) validate(p *problems) {
	if s.Port <= 0 || s.Port > 65535 {
		p.addf("server.port must be between 1 and 65535")
	}
	if s.Mode != "" {
		p.oneOf("server.mode", s.Mode, "debug", "release", "test")
	}
	p.duration("server.shutdown_timeout", s.ShutdownTimeout, false)
}

func (c InstrumentsConfig) validate(p *problems, originType string) {
	p.oneOf("instruments.session_source", c.SessionSource, "schedule", "gateway")
	if c.SessionSource == "gateway" && originType != "gateway" {
		p.addf("instruments.session_source gateway requires origin.type gateway")
	}
	for i, inst := range c.Catalog {
		if inst.Ticker == "" {
			p.addf("instruments.catalog[%d].ticker is required", i)
		}
		if tick, err := decimal.NewFromString(inst.TickSize); err != nil || !tick.IsPositive() {
			p.addf("instruments.catalog[%d].tick_size must be a positive decimal", i)
		}
	}
}

func (c ResolverConfig) validate(p *problems) {
	if c.MaxChunkSteps <= 0 {
		p.addf("resolver.max_chunk_steps must be greater than 0")
	}
	p.duration("resolver.widen_window", c.WidenWindow, true)
	p.duration("resolver.fill_timeout", c.FillTimeout, false)
}

func (c LockConfig) validate(p *problems) {
	p.oneOf("lock.type", c.Type, "none", "local", "redis")
	if c.Type == "redis" {
		if c.RedisAddr == "" {
			p.addf("lock.redis_addr is required for the redis lock")
		}
		p.duration("lock.ttl", c.TTL, true)
	}
}

func (c WarmerConfig) validate(p *problems) {
	if !c.Enabled {
		return
	}
	p.duration("warmer.interval", c.Interval, true)
	p.duration("warmer.lookback", c.Lookback, true)
	if c.MaxConcurrentJobs <= 0 {
		p.addf("warmer.max_concurrent_jobs must be greater than 0")
	}
	if len(c.Tickers) == 0 {
		p.addf("warmer.tickers is required when the warmer is enabled")
	}
	for _, tf := range c.Timeframes {
		if _, err := models.ParseTimeframe(tf); err != nil {
			p.addf("warmer.timeframes: %v", err)
		}
	}
}

func (c LoggingConfig) validate(p *problems) {
	p.oneOf("logging.level", c.Level, "debug", "info", "warn", "error")
	p.oneOf("logging.format", c.Format, "json", "text")
	if c.Output == "file" && c.FilePath == "" {
		p.addf("logging.file_path is required when logging.output is file")
	}
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-gateway",
		Version: "1.0.0",
		Storage: StorageConfig{
			Type:            "duckdb",
			DatabaseURL:     "./data/bars.duckdb",
			MaxConns:        1,
			MinConns:        0,
			IdleTimeout:     "30m",
			ConnMaxLifetime: "1h",
			QueryTimeout:    "30s",
			AutoMigrate:     true,
		},
		Origin: OriginConfig{
			Type:              "gateway",
			BaseURL:           "https://localhost:5000/v1/api",
			RateLimit:         50,
			Burst:             5,
			Timeout:           "30s",
			VolumeMultiplier:  100,
			KeepAliveInterval: "1m",
			SkipTLSVerify:     true,
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "1s",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
				RetryableErrors: []string{"timeout", "rate_limit", "server_error"},
				Jitter:          true,
			},
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Mode:            "release",
			ReadTimeout:     "15s",
			WriteTimeout:    "2m",
			ShutdownTimeout: "30s",
		},
		Instruments: InstrumentsConfig{
			SessionSource: "schedule",
			RemoteLookup:  false,
			Catalog: []InstrumentConfig{
				{Ticker: "NASDAQ:AAPL", Description: "Apple Inc.", TickSize: "0.01", Multiplier: 1},
				{Ticker: "NASDAQ:MSFT", Description: "Microsoft Corporation", TickSize: "0.01", Multiplier: 1},
				{Ticker: "NYSE:IBM", Description: "International Business Machines", TickSize: "0.01", Multiplier: 1},
				{Ticker: "GLOBEX:ES", Description: "E-mini S&P 500", TickSize: "0.25", Multiplier: 50},
				{Ticker: "NYMEX:CL", Description: "Crude Oil", TickSize: "0.01", Multiplier: 1000},
				{Ticker: "ECBOT:ZN", Description: "10-Year T-Note", TickSize: "0.015625", Multiplier: 1000},
			},
		},
		Resolver: ResolverConfig{
			MaxChunkSteps: 100,
			WidenWindow:   "24h1s",
			FillTimeout:   "5m",
		},
		Lock: LockConfig{
			Type:          "local",
			RedisAddr:     "localhost:6379",
			KeyPrefix:     "ohlcv-gateway:lock:",
			TTL:           "2m",
			RetryInterval: "100ms",
		},
		Warmer: WarmerConfig{
			Enabled:           false,
			Interval:          "15m",
			Lookback:          "72h",
			MaxConcurrentJobs: 2,
			JobTimeout:        "5m",
			RateLimit:         30,
			Tickers:           []string{"NASDAQ:AAPL"},
			Timeframes:        []string{"1", "D"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "ohlcv-gateway",
				"version": "1.0.0",
			},
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Port:            0,
			Path:            "/metrics",
			UpdateInterval:  "30s",
			HistoryDuration: "24h",
		},
		ErrorHandling: ErrorHandlingConfig{
			GlobalRetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "1s",
				MaxDelay:        "60s",
				BackoffStrategy: "exponential",
				RetryableErrors: []string{"timeout", "network", "temporary"},
				Jitter:          true,
			},
			ComponentPolicies:    make(map[string]RetryPolicyConfig),
			EnableCircuitBreaker: true,
			CircuitBreakerConfig: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  "30s",
				HalfOpenRequests: 3,
			},
		},
	}
}

// Duration parses value, returning fallback when it is empty or malformed.
// validateConfig rejects malformed values, so fallback only applies to
// optional fields left blank.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Addr returns the host:port the API server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Origin.APIKey != "" {
		sanitized.Origin.APIKey = "[REDACTED]"
	}
	if sanitized.Lock.RedisPassword != "" {
		sanitized.Lock.RedisPassword = "[REDACTED]"
	}
	if sanitized.Storage.Type == "postgres" {
		sanitized.Storage.DatabaseURL = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
