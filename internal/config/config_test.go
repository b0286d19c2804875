package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "ohlcv-gateway", config.AppName)
	assert.Equal(t, "1.0.0", config.Version)
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, "./data/bars.duckdb", config.Storage.DatabaseURL)
	assert.Equal(t, "gateway", config.Origin.Type)
	assert.Equal(t, int64(100), config.Origin.VolumeMultiplier)
	assert.Equal(t, 100, config.Resolver.MaxChunkSteps)
	assert.Equal(t, "local", config.Lock.Type)
	assert.Equal(t, "schedule", config.Instruments.SessionSource)
	assert.NotEmpty(t, config.Instruments.Catalog)
	assert.Equal(t, "info", config.Logging.Level)
	assert.True(t, config.Metrics.Enabled)
	assert.True(t, config.ErrorHandling.EnableCircuitBreaker)

	cm := NewConfigManager("", slog.Default())
	assert.NoError(t, cm.validateConfig(config))
}

func TestConfigValidation(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	tests := []struct {
		name    string
		mutate  func(c *AppConfig)
		wantErr string
	}{
		{
			name:    "missing_storage_type",
			mutate:  func(c *AppConfig) { c.Storage.Type = "" },
			wantErr: "storage.type is required",
		},
		{
			name:    "unknown_storage_type",
			mutate:  func(c *AppConfig) { c.Storage.Type = "sqlite" },
			wantErr: "storage.type must be one of",
		},
		{
			name: "postgres_without_dsn",
			mutate: func(c *AppConfig) {
				c.Storage.Type = "postgres"
				c.Storage.DatabaseURL = ""
			},
			wantErr: "storage.database_url is required for postgres storage",
		},
		{
			name:    "polygon_without_api_key",
			mutate:  func(c *AppConfig) { c.Origin.Type = "polygon" },
			wantErr: "origin.api_key is required",
		},
		{
			name:    "gateway_without_base_url",
			mutate:  func(c *AppConfig) { c.Origin.BaseURL = "" },
			wantErr: "origin.base_url is required",
		},
		{
			name:    "zero_rate_limit",
			mutate:  func(c *AppConfig) { c.Origin.RateLimit = 0 },
			wantErr: "origin.rate_limit must be greater than 0",
		},
		{
			name:    "zero_volume_multiplier",
			mutate:  func(c *AppConfig) { c.Origin.VolumeMultiplier = 0 },
			wantErr: "origin.volume_multiplier must be greater than 0",
		},
		{
			name:    "bad_origin_timeout",
			mutate:  func(c *AppConfig) { c.Origin.Timeout = "soon" },
			wantErr: "origin.timeout is not a valid duration",
		},
		{
			name:    "server_port_out_of_range",
			mutate:  func(c *AppConfig) { c.Server.Port = 70000 },
			wantErr: "server.port must be between 1 and 65535",
		},
		{
			name: "gateway_sessions_need_gateway_origin",
			mutate: func(c *AppConfig) {
				c.Origin.Type = "polygon"
				c.Origin.APIKey = "key"
				c.Instruments.SessionSource = "gateway"
			},
			wantErr: "instruments.session_source gateway requires origin.type gateway",
		},
		{
			name: "catalog_bad_tick_size",
			mutate: func(c *AppConfig) {
				c.Instruments.Catalog = []InstrumentConfig{{Ticker: "NYSE:IBM", TickSize: "-1"}}
			},
			wantErr: "instruments.catalog[0].tick_size must be a positive decimal",
		},
		{
			name:    "zero_chunk_steps",
			mutate:  func(c *AppConfig) { c.Resolver.MaxChunkSteps = 0 },
			wantErr: "resolver.max_chunk_steps must be greater than 0",
		},
		{
			name:    "missing_widen_window",
			mutate:  func(c *AppConfig) { c.Resolver.WidenWindow = "" },
			wantErr: "resolver.widen_window is required",
		},
		{
			name: "redis_lock_without_addr",
			mutate: func(c *AppConfig) {
				c.Lock.Type = "redis"
				c.Lock.RedisAddr = ""
			},
			wantErr: "lock.redis_addr is required",
		},
		{
			name: "warmer_without_tickers",
			mutate: func(c *AppConfig) {
				c.Warmer.Enabled = true
				c.Warmer.Tickers = nil
			},
			wantErr: "warmer.tickers is required",
		},
		{
			name: "warmer_bad_timeframe",
			mutate: func(c *AppConfig) {
				c.Warmer.Enabled = true
				c.Warmer.Timeframes = []string{"2h"}
			},
			wantErr: "warmer.timeframes",
		},
		{
			name:    "invalid_log_level",
			mutate:  func(c *AppConfig) { c.Logging.Level = "verbose" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "invalid_log_format",
			mutate:  func(c *AppConfig) { c.Logging.Format = "xml" },
			wantErr: "logging.format must be one of",
		},
		{
			name:    "file_output_without_path",
			mutate:  func(c *AppConfig) { c.Logging.Output = "file" },
			wantErr: "logging.file_path is required",
		},
		{
			name:    "metrics_port_out_of_range",
			mutate:  func(c *AppConfig) { c.Metrics.Port = -1 },
			wantErr: "metrics.port must be between 0 and 65535",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := cm.validateConfig(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("memory_storage_needs_no_url", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Type = "memory"
		config.Storage.DatabaseURL = ""
		assert.NoError(t, cm.validateConfig(config))
	})

	t.Run("errors_are_collected", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Type = ""
		config.Logging.Level = "verbose"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage.type is required")
		assert.Contains(t, err.Error(), "logging.level must be one of")
	})
}

func TestLoadConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "gateway.json")

	fileConfig := DefaultConfig()
	fileConfig.AppName = "file-gateway"
	fileConfig.Storage.Type = "memory"
	fileConfig.Server.Port = 9000
	fileConfig.Instruments.Catalog = []InstrumentConfig{
		{Ticker: "NYSE:F", Description: "Ford Motor", TickSize: "0.01"},
	}

	data, err := json.MarshalIndent(fileConfig, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0644))

	t.Run("loads_config_from_file", func(t *testing.T) {
		cm := NewConfigManager(configPath, slog.Default())
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "file-gateway", config.AppName)
		assert.Equal(t, "memory", config.Storage.Type)
		assert.Equal(t, 9000, config.Server.Port)
		require.Len(t, config.Instruments.Catalog, 1)
		assert.Equal(t, "NYSE:F", config.Instruments.Catalog[0].Ticker)
	})

	t.Run("invalid_json_fails", func(t *testing.T) {
		badPath := filepath.Join(tempDir, "bad.json")
		require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0644))

		cm := NewConfigManager(badPath, slog.Default())
		_, err := cm.LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse config")
	})

	t.Run("missing_file_uses_defaults", func(t *testing.T) {
		cm := NewConfigManager(filepath.Join(tempDir, "absent.json"), slog.Default())
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ohlcv-gateway", config.AppName)
	})
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	envVars := map[string]string{
		"GATEWAY_APP_NAME":                 "env-gateway",
		"GATEWAY_STORAGE_TYPE":             "postgres",
		"GATEWAY_DATABASE_URL":             "postgres://localhost/bars",
		"GATEWAY_MAX_CONNS":                "16",
		"GATEWAY_ORIGIN_TYPE":              "polygon",
		"GATEWAY_ORIGIN_API_KEY":           "test-key",
		"GATEWAY_ORIGIN_RATE_LIMIT":        "5",
		"GATEWAY_ORIGIN_VOLUME_MULTIPLIER": "1",
		"GATEWAY_SERVER_PORT":              "9999",
		"GATEWAY_LOCK_TYPE":                "redis",
		"GATEWAY_LOCK_REDIS_ADDR":          "redis:6379",
		"GATEWAY_WARMER_ENABLED":           "true",
		"GATEWAY_WARMER_TICKERS":           "NASDAQ:AAPL,NYSE:IBM",
		"GATEWAY_WARMER_TIMEFRAMES":        "1,5,D",
		"GATEWAY_LOG_LEVEL":                "error",
		"GATEWAY_METRICS_ENABLED":          "false",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	t.Run("loads_config_from_environment", func(t *testing.T) {
		config := DefaultConfig()
		require.NoError(t, cm.loadFromEnv(config))

		assert.Equal(t, "env-gateway", config.AppName)
		assert.Equal(t, "postgres", config.Storage.Type)
		assert.Equal(t, "postgres://localhost/bars", config.Storage.DatabaseURL)
		assert.Equal(t, 16, config.Storage.MaxConns)
		assert.Equal(t, "polygon", config.Origin.Type)
		assert.Equal(t, "test-key", config.Origin.APIKey)
		assert.Equal(t, 5, config.Origin.RateLimit)
		assert.Equal(t, int64(1), config.Origin.VolumeMultiplier)
		assert.Equal(t, 9999, config.Server.Port)
		assert.Equal(t, "redis", config.Lock.Type)
		assert.Equal(t, "redis:6379", config.Lock.RedisAddr)
		assert.True(t, config.Warmer.Enabled)
		assert.Equal(t, []string{"NASDAQ:AAPL", "NYSE:IBM"}, config.Warmer.Tickers)
		assert.Equal(t, []string{"1", "5", "D"}, config.Warmer.Timeframes)
		assert.Equal(t, "error", config.Logging.Level)
		assert.False(t, config.Metrics.Enabled)
	})

	t.Run("unset_variables_keep_defaults", func(t *testing.T) {
		config := DefaultConfig()
		require.NoError(t, cm.loadFromEnv(config))

		assert.Equal(t, "json", config.Logging.Format)
		assert.Equal(t, 100, config.Resolver.MaxChunkSteps)
		assert.NotEmpty(t, config.Instruments.Catalog)
	})

	t.Run("unprefixed_variables_ignored", func(t *testing.T) {
		t.Setenv("LOG_FORMAT", "text")
		config := DefaultConfig()
		require.NoError(t, cm.loadFromEnv(config))
		assert.Equal(t, "json", config.Logging.Format)
	})

	t.Run("invalid_numeric_value_fails", func(t *testing.T) {
		t.Setenv("GATEWAY_SERVER_PORT", "not-a-number")
		config := DefaultConfig()
		assert.Error(t, cm.loadFromEnv(config))
	})
}

func TestConfigString(t *testing.T) {
	config := DefaultConfig()
	config.Origin.APIKey = "secret-key"
	config.Lock.RedisPassword = "secret-password"

	configStr := config.String()

	assert.Contains(t, configStr, "ohlcv-gateway")
	assert.Contains(t, configStr, "duckdb")
	assert.Contains(t, configStr, "[REDACTED]")
	assert.NotContains(t, configStr, "secret-key")
	assert.NotContains(t, configStr, "secret-password")
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Duration("5m", time.Second))
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, time.Second, Duration("bogus", time.Second))
}

func TestCompleteConfigFlow(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "complete.json")

	fileConfig := DefaultConfig()
	fileConfig.AppName = "flow-test"
	fileConfig.Storage.Type = "memory"
	fileConfig.Origin.RateLimit = 7

	data, err := json.MarshalIndent(fileConfig, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0644))

	t.Setenv("GATEWAY_STORAGE_TYPE", "duckdb")
	t.Setenv("GATEWAY_DATABASE_URL", "./test.duckdb")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")

	cm := NewConfigManager(configPath, slog.Default())
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)

	// from file
	assert.Equal(t, "flow-test", config.AppName)
	assert.Equal(t, 7, config.Origin.RateLimit)

	// environment wins over file
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, "./test.duckdb", config.Storage.DatabaseURL)
	assert.Equal(t, "debug", config.Logging.Level)
}
