// Package config loads process configuration the way ws/config.go does:
// caarlos0/env struct tags, optional .env via godotenv, then validation.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the authoritative environment configuration from spec.md §6.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`
	Host string `env:"HOST" envDefault:"0.0.0.0"`

	RedisURL          string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	ClickhouseURL     string `env:"CLICKHOUSE_URL" envDefault:"localhost:9000"`
	ClickhouseDatabase string `env:"CLICKHOUSE_DATABASE" envDefault:"matchstream"`

	BatchSize           int           `env:"BATCH_SIZE" envDefault:"500"`
	BatchFlushInterval  time.Duration `env:"BATCH_FLUSH_INTERVAL" envDefault:"1s"`
	ConsumerBatchSize   int           `env:"CONSUMER_BATCH_SIZE" envDefault:"100"`
	ConsumerBlockMs     int           `env:"CONSUMER_BLOCK_MS" envDefault:"2000"`
	DiscoveryIntervalMs int           `env:"DISCOVERY_INTERVAL_MS" envDefault:"5000"`
	DedupTTL            time.Duration `env:"DEDUP_TTL" envDefault:"2h"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Shard lock lease, gap/lateness tolerance, DLQ retries, writer spool
	// directory and circuit thresholds are design constants from the spec
	// but are configurable here too, following the teacher's habit of
	// surfacing every tunable knob as an env var with a sane default.
	LockLeaseMs        int           `env:"LOCK_LEASE_MS" envDefault:"30000"`
	GapThreshold       uint64        `env:"SEQ_GAP_THRESHOLD" envDefault:"10"`
	MaxLatenessMs      int           `env:"SEQ_MAX_LATENESS_MS" envDefault:"2000"`
	MaxRetries         int           `env:"DLQ_MAX_RETRIES" envDefault:"3"`
	WriterSpoolDir     string        `env:"WRITER_SPOOL_DIR" envDefault:"./spool"`
	WriterMaxBuffer    int           `env:"WRITER_MAX_BUFFER" envDefault:"50000"`
	WriterSpoolAt      int           `env:"WRITER_SPOOL_THRESHOLD" envDefault:"2000"`
	WriterBreakerTrip  int           `env:"WRITER_BREAKER_TRIP" envDefault:"3"`
	WriterBreakerBackoff time.Duration `env:"WRITER_BREAKER_BACKOFF" envDefault:"10s"`

	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, validates it, and returns it. Priority: env vars > .env >
// defaults, exactly as ws/config.go documents.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found (using environment variables only)")
		}
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

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.ConsumerBatchSize < 1 {
		return fmt.Errorf("CONSUMER_BATCH_SIZE must be > 0, got %d", c.ConsumerBatchSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("DLQ_MAX_RETRIES must be > 0, got %d", c.MaxRetries)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig stamps the resolved configuration into the structured log at
// startup, the same shape as ws/config.go's Config.LogConfig.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("host", c.Host).
		Str("port", c.Port).
		Str("redis_url", c.RedisURL).
		Str("clickhouse_url", c.ClickhouseURL).
		Int("batch_size", c.BatchSize).
		Dur("batch_flush_interval", c.BatchFlushInterval).
		Int("consumer_batch_size", c.ConsumerBatchSize).
		Int("consumer_block_ms", c.ConsumerBlockMs).
		Int("discovery_interval_ms", c.DiscoveryIntervalMs).
		Dur("dedup_ttl", c.DedupTTL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
