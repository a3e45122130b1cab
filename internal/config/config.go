package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all broker configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Port        int    `env:"PORT" envDefault:"3001"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Authentication
	APIKey        string `env:"API_KEY"`
	RequireAPIKey bool   `env:"REQUIRE_API_KEY" envDefault:"false"`

	// HTTP surface
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`

	// Forwarded-for headers are only trusted when the operator explicitly
	// declares the broker sits behind a trusted proxy. Without this the
	// rate-limit client key is derived from a non-spoofable request
	// signature instead.
	TrustProxy bool `env:"TRUST_PROXY" envDefault:"false"`

	// Ingest bounds
	MaxPayloadSize   int `env:"MAX_PAYLOAD_SIZE" envDefault:"1048576"` // 1 MiB
	MaxBatchSize     int `env:"MAX_BATCH_SIZE" envDefault:"1000"`
	MaxSingleLogSize int `env:"MAX_SINGLE_LOG_SIZE" envDefault:"65536"` // 64 KiB

	// Rate limiting
	EnableRateLimit bool          `env:"ENABLE_RATE_LIMIT" envDefault:"true"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX" envDefault:"1000"`

	// Channel registry
	MaxChannels int           `env:"MAX_CHANNELS" envDefault:"100"`
	ChannelTTL  time.Duration `env:"CHANNEL_TTL" envDefault:"24h"`

	// Subscribers
	MaxQueueSize            int           `env:"MAX_QUEUE_SIZE" envDefault:"1000"`
	MaxConnections          int           `env:"MAX_CONNECTIONS" envDefault:"1000"`
	MaxConnectionsPerClient int           `env:"MAX_CONNECTIONS_PER_CLIENT" envDefault:"10"`
	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	StaleTimeout            time.Duration `env:"STALE_TIMEOUT" envDefault:"45s"`

	// Lifecycle
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Optional NATS mirror backend. Empty disables it.
	NATSUrl string `env:"NATS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// set by the orchestrator and the file is absent.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnectionsPerClient < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_CLIENT must be > 0, got %d", c.MaxConnectionsPerClient)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be > 0, got %d", c.MaxQueueSize)
	}
	if c.MaxChannels < 1 {
		return fmt.Errorf("MAX_CHANNELS must be > 0, got %d", c.MaxChannels)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0, got %s", c.RateLimitWindow)
	}
	if c.RateLimitMax < 1 {
		return fmt.Errorf("RATE_LIMIT_MAX must be > 0, got %d", c.RateLimitMax)
	}
	if c.MaxPayloadSize < c.MaxSingleLogSize {
		return fmt.Errorf("MAX_PAYLOAD_SIZE (%d) must be >= MAX_SINGLE_LOG_SIZE (%d)",
			c.MaxPayloadSize, c.MaxSingleLogSize)
	}
	if c.StaleTimeout < c.HeartbeatInterval {
		return fmt.Errorf("STALE_TIMEOUT (%s) must be >= HEARTBEAT_INTERVAL (%s)",
			c.StaleTimeout, c.HeartbeatInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration with structured fields.
// Secrets are reported as presence flags, never as values.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("port", c.Port).
		Bool("api_key_set", c.APIKey != "").
		Bool("require_api_key", c.RequireAPIKey).
		Str("cors_origin", c.CORSOrigin).
		Bool("trust_proxy", c.TrustProxy).
		Int("max_payload_size", c.MaxPayloadSize).
		Int("max_batch_size", c.MaxBatchSize).
		Int("max_single_log_size", c.MaxSingleLogSize).
		Bool("rate_limit_enabled", c.EnableRateLimit).
		Dur("rate_limit_window", c.RateLimitWindow).
		Int("rate_limit_max", c.RateLimitMax).
		Int("max_channels", c.MaxChannels).
		Dur("channel_ttl", c.ChannelTTL).
		Int("max_queue_size", c.MaxQueueSize).
		Int("max_connections", c.MaxConnections).
		Int("max_connections_per_client", c.MaxConnectionsPerClient).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("stale_timeout", c.StaleTimeout).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Bool("nats_mirror", c.NATSUrl != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Broker configuration loaded")
}
