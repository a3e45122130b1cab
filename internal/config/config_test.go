package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:                    3001,
		Environment:             "development",
		CORSOrigin:              "*",
		MaxPayloadSize:          1 << 20,
		MaxBatchSize:            1000,
		MaxSingleLogSize:        64 << 10,
		EnableRateLimit:         true,
		RateLimitWindow:         time.Minute,
		RateLimitMax:            1000,
		MaxChannels:             100,
		ChannelTTL:              24 * time.Hour,
		MaxQueueSize:            1000,
		MaxConnections:          1000,
		MaxConnectionsPerClient: 10,
		HeartbeatInterval:       15 * time.Second,
		StaleTimeout:            45 * time.Second,
		ShutdownTimeout:         30 * time.Second,
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestLoadAppliesDefaults(t *testing.T) {
	// No env vars set: every default must pass validation.
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.EnableRateLimit)
	assert.False(t, cfg.TrustProxy)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("MAX_CHANNELS", "7")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("ENABLE_RATE_LIMIT", "false")
	t.Setenv("API_KEY", "secret")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 7, cfg.MaxChannels)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.False(t, cfg.EnableRateLimit)
	assert.Equal(t, "secret", cfg.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port zero", func(c *Config) { c.Port = 0 }, "PORT"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "PORT"},
		{"no connections", func(c *Config) { c.MaxConnections = 0 }, "MAX_CONNECTIONS"},
		{"no per-client", func(c *Config) { c.MaxConnectionsPerClient = 0 }, "MAX_CONNECTIONS_PER_CLIENT"},
		{"no queue", func(c *Config) { c.MaxQueueSize = 0 }, "MAX_QUEUE_SIZE"},
		{"no channels", func(c *Config) { c.MaxChannels = 0 }, "MAX_CHANNELS"},
		{"zero window", func(c *Config) { c.RateLimitWindow = 0 }, "RATE_LIMIT_WINDOW"},
		{"zero budget", func(c *Config) { c.RateLimitMax = 0 }, "RATE_LIMIT_MAX"},
		{"payload below entry", func(c *Config) { c.MaxPayloadSize = 10 }, "MAX_PAYLOAD_SIZE"},
		{"stale below heartbeat", func(c *Config) { c.StaleTimeout = time.Second }, "STALE_TIMEOUT"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("PORT", "0")

	_, err := Load(nil)
	assert.Error(t, err)
}
