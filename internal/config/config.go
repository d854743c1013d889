// Package config provides configuration for the agentsync server and CLI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// StoreConfig selects the storage dialect and connection.
// Driver is "sqlite3" or "pgx".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// AuthConfig holds JWT settings.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
	// RefreshLead is how long before token expiry the sync endpoint asks the client to refresh.
	RefreshLead time.Duration `mapstructure:"refresh_lead"`
}

// RateLimitConfig holds per-tenant request limits.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// OutboxConfig controls the drain loop.
type OutboxConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Workers      int           `mapstructure:"workers"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
	RetryInitial time.Duration `mapstructure:"retry_initial"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
}

// NATSConfig holds NATS JetStream settings for the nats transport.
type NATSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	CAFile   string `mapstructure:"ca_file"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	Token    string `mapstructure:"token"`
	Stream   string `mapstructure:"stream"`
	// ConnectTimeout bounds retries of the first connection at startup.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Subject        string        `mapstructure:"subject"`
	DupWindow      time.Duration `mapstructure:"dup_window"`
}

// RedisConfig holds settings for the redis transport.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
	MaxLen  int64  `mapstructure:"max_len"`
}

// WebhookConfig holds settings for the webhook transport.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PresenceConfig controls liveness judgement.
type PresenceConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// SyncConfig controls the websocket sync endpoint and client.
type SyncConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	TokenRefreshDelay time.Duration `mapstructure:"token_refresh_delay"`
	DegradedAfter     int           `mapstructure:"degraded_after"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "agentsync.db")

	v.SetDefault("auth.jwt_secret", "development-secret-change-in-production")
	v.SetDefault("auth.jwt_expiration", "15m")
	v.SetDefault("auth.refresh_lead", "30s")

	v.SetDefault("rate_limit.requests", 600)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("outbox.enabled", true)
	v.SetDefault("outbox.workers", 4)
	v.SetDefault("outbox.batch_size", 32)
	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.lease", "30s")
	v.SetDefault("outbox.retry_initial", "1s")
	v.SetDefault("outbox.retry_max", "5m")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.ca_file", "")
	v.SetDefault("nats.cert_file", "")
	v.SetDefault("nats.key_file", "")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.stream", "AGENTSYNC_BRIDGE")
	v.SetDefault("nats.subject", "agentsync.bridge")
	v.SetDefault("nats.dup_window", "2m")
	v.SetDefault("nats.connect_timeout", "30s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.stream", "agentsync:bridge")
	v.SetDefault("redis.max_len", 100000)

	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", "10s")

	v.SetDefault("presence.window", "45s")

	v.SetDefault("sync.heartbeat_interval", "15s")
	v.SetDefault("sync.poll_interval", "250ms")
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.backoff_initial", "500ms")
	v.SetDefault("sync.backoff_max", "30s")
	v.SetDefault("sync.token_refresh_delay", "50ms")
	v.SetDefault("sync.degraded_after", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "agentsync")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load reads configuration from defaults, an optional YAML file, and
// AGENTSYNC_* environment variables, in increasing precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("agentsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentsync")
	}

	// AGENTSYNC_STORE_DSN overrides store.dsn, and so on.
	v.SetEnvPrefix("AGENTSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Only an explicit path must exist.
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Outbox.Workers < 1 {
		return fmt.Errorf("outbox.workers must be at least 1")
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required when the webhook transport is enabled")
	}
	return nil
}
