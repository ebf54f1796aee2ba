package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "payproc",
			Password: "payproc",
			Database: "payproc",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Host:    "localhost",
			Port:    6379,
			LockTTL: 30 * time.Second,
		},
		Processor: ProcessorConfig{
			MaxRetries:              5,
			BackoffInitialDelay:     time.Second,
			BackoffMaxDelay:         2 * time.Minute,
			BackoffMultiplier:       2.0,
			CircuitBreakerThreshold: 3,
			CircuitBreakerCooldown:  30 * time.Second,
			ProviderCallTimeout:     15 * time.Second,
		},
	}
}

func TestConfig_Validate_Success(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_Validate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"zero read timeout", func(c *Config) { c.Server.ReadTimeout = 0 }},
		{"missing db host", func(c *Config) { c.Database.Host = "" }},
		{"zero lock ttl", func(c *Config) { c.Redis.LockTTL = 0 }},
		{"negative max retries", func(c *Config) { c.Processor.MaxRetries = -1 }},
		{"zero breaker threshold", func(c *Config) { c.Processor.CircuitBreakerThreshold = 0 }},
		{"zero breaker cooldown", func(c *Config) { c.Processor.CircuitBreakerCooldown = 0 }},
		{"zero call timeout", func(c *Config) { c.Processor.ProviderCallTimeout = 0 }},
		{"multiplier below one", func(c *Config) { c.Processor.BackoffMultiplier = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_Validate_JoinsMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Database.Host = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "database.host")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
	assert.Equal(t, 5, cfg.Processor.MaxRetries)
	assert.Equal(t, 3, cfg.Processor.CircuitBreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Processor.CircuitBreakerCooldown)
	assert.Equal(t, 15*time.Second, cfg.Processor.ProviderCallTimeout)
	assert.Equal(t, 2.0, cfg.Processor.BackoffMultiplier)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.EnableMetrics)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := validConfig()
	dsn := cfg.Database.DatabaseDSN()
	assert.Equal(t, "host=localhost port=5432 user=payproc password=payproc dbname=payproc sslmode=disable", dsn)
}

func TestRedisAddr(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "localhost:6379", cfg.Redis.RedisAddr())
}
