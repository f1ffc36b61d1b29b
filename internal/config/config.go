package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	MLLPAddr             string `mapstructure:"MLLP_ADDR"`
	MaxClockDriftSeconds int    `mapstructure:"MAX_CLOCK_DRIFT_SECONDS"`
	VitalThresholdsFile  string `mapstructure:"VITAL_THRESHOLDS_FILE"`
	IngestConcurrency    int    `mapstructure:"INGEST_CONCURRENCY"`

	EventPublisher     string        `mapstructure:"EVENT_PUBLISHER"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	EventStream        string        `mapstructure:"EVENT_STREAM"`
	WebhookURL         string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret      string        `mapstructure:"WEBHOOK_SECRET"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORAGE_DRIVER",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"MLLP_ADDR", "MAX_CLOCK_DRIFT_SECONDS", "VITAL_THRESHOLDS_FILE", "INGEST_CONCURRENCY",
	"EVENT_PUBLISHER", "REDIS_URL", "EVENT_STREAM", "WEBHOOK_URL", "WEBHOOK_SECRET",
	"OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("MAX_CLOCK_DRIFT_SECONDS", 0) // disabled
	v.SetDefault("INGEST_CONCURRENCY", 8)
	v.SetDefault("EVENT_PUBLISHER", "log")
	v.SetDefault("EVENT_STREAM", "pdms:events")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "2s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	cfg.EventPublisher = strings.ToLower(cfg.EventPublisher)

	if cfg.StorageDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "jwt" for everything else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// UsesMemoryStorage reports whether state is kept in process memory only.
func (c *Config) UsesMemoryStorage() bool {
	return c.StorageDriver == "memory"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be \"postgres\" or \"memory\", got %q", c.StorageDriver)
	}
	if c.IsProduction() && c.UsesMemoryStorage() {
		return fmt.Errorf("STORAGE_DRIVER=memory is not allowed in production")
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.EventPublisher {
	case "log", "none":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when EVENT_PUBLISHER is \"redis\"")
		}
		if c.EventStream == "" {
			return fmt.Errorf("EVENT_STREAM is required when EVENT_PUBLISHER is \"redis\"")
		}
	case "webhook":
		if c.WebhookURL == "" {
			return fmt.Errorf("WEBHOOK_URL is required when EVENT_PUBLISHER is \"webhook\"")
		}
	default:
		return fmt.Errorf("EVENT_PUBLISHER must be one of redis, webhook, log, none, got %q", c.EventPublisher)
	}

	if c.MaxClockDriftSeconds < 0 {
		return fmt.Errorf("MAX_CLOCK_DRIFT_SECONDS must not be negative, got %d", c.MaxClockDriftSeconds)
	}
	if c.IngestConcurrency < 1 {
		return fmt.Errorf("INGEST_CONCURRENCY must be at least 1, got %d", c.IngestConcurrency)
	}
	if c.OutboxPollInterval <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL must be positive, got %s", c.OutboxPollInterval)
	}
	if c.OutboxBatchSize < 1 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be at least 1, got %d", c.OutboxBatchSize)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}
