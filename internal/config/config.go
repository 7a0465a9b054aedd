package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Config holds all service configuration, parsed from CHATSVC_*
// environment variables. Defaults match the original deployment.
type Config struct {
	// Server basics
	Addr          string `env:"CHATSVC_ADDR" envDefault:":9090"`
	Hostname      string `env:"CHATSVC_HOSTNAME"`
	AdvertiseAddr string `env:"CHATSVC_ADVERTISE_ADDR"`

	// External collaborators
	NATSURL     string `env:"CHATSVC_NATS_URL" envDefault:"nats://localhost:4222"`
	DatabaseURL string `env:"CHATSVC_DATABASE_URL"`

	// Replication
	ReplicationN        int           `env:"CHATSVC_REPLICATION_N" envDefault:"2"`
	ReplicationW        int           `env:"CHATSVC_REPLICATION_W" envDefault:"1"`
	ReplicationPoolSize int           `env:"CHATSVC_REPLICATION_POOL_SIZE" envDefault:"20"`
	ReplicationTimeout  time.Duration `env:"CHATSVC_REPLICATION_TIMEOUT" envDefault:"5s"`
	MaxConnsPerPeer     int           `env:"CHATSVC_REPLICATION_MAX_CONNS_PER_PEER" envDefault:"1"`
	AllowSameHost       bool          `env:"CHATSVC_REPLICATION_ALLOW_SAME_HOST" envDefault:"false"`

	// Chat behavior
	LongPollWait    time.Duration `env:"CHATSVC_LONG_POLL_WAIT" envDefault:"10s"`
	IdleThreshold   time.Duration `env:"CHATSVC_IDLE_THRESHOLD" envDefault:"20s"`
	ExpirationGrace time.Duration `env:"CHATSVC_EXPIRATION_GRACE" envDefault:"360s"`

	// Garbage collection
	GCInterval time.Duration `env:"CHATSVC_GC_INTERVAL" envDefault:"60s"`
	GCThrottle time.Duration `env:"CHATSVC_GC_THROTTLE" envDefault:"100ms"`

	// Hashring / membership
	HashringPositions int           `env:"CHATSVC_HASHRING_POSITIONS" envDefault:"3"`
	PresenceHeartbeat time.Duration `env:"CHATSVC_PRESENCE_HEARTBEAT" envDefault:"2s"`

	// Request routing
	AllowForwarding bool `env:"CHATSVC_ALLOW_FORWARDING" envDefault:"true"`

	// Persistence
	PersistencePoolSize int `env:"CHATSVC_PERSISTENCE_POOL_SIZE" envDefault:"4"`

	// Lifecycle
	ShutdownTimeout time.Duration `env:"CHATSVC_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	TestHooks       bool          `env:"CHATSVC_TEST_HOOKS" envDefault:"false"`

	// Logging
	LogLevel  string `env:"CHATSVC_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"CHATSVC_LOG_PRETTY" envDefault:"false"`
}

// Load parses environment variables into a Config and validates it.
// Hostname and AdvertiseAddr fall back to the OS hostname when unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve hostname: %w", err)
		}
		cfg.Hostname = host
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.Hostname
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHATSVC_ADDR is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("CHATSVC_DATABASE_URL is required")
	}
	if c.ReplicationN < 1 {
		return fmt.Errorf("CHATSVC_REPLICATION_N must be >= 1, got %d", c.ReplicationN)
	}
	if c.ReplicationW < 1 || c.ReplicationW > c.ReplicationN {
		return fmt.Errorf("CHATSVC_REPLICATION_W must be 1..N, got W=%d N=%d",
			c.ReplicationW, c.ReplicationN)
	}
	if c.ReplicationPoolSize < 1 {
		return fmt.Errorf("CHATSVC_REPLICATION_POOL_SIZE must be > 0, got %d", c.ReplicationPoolSize)
	}
	if c.PersistencePoolSize < 1 {
		return fmt.Errorf("CHATSVC_PERSISTENCE_POOL_SIZE must be > 0, got %d", c.PersistencePoolSize)
	}
	if c.HashringPositions < 1 {
		return fmt.Errorf("CHATSVC_HASHRING_POSITIONS must be > 0, got %d", c.HashringPositions)
	}
	if c.MaxConnsPerPeer < 1 {
		return fmt.Errorf("CHATSVC_REPLICATION_MAX_CONNS_PER_PEER must be > 0, got %d", c.MaxConnsPerPeer)
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("CHATSVC_LOG_LEVEL must be one of: trace, debug, info, warn, error (got: %s)", c.LogLevel)
	}
	return nil
}

// LogConfig logs the loaded configuration with structured fields.
// The database URL is omitted since it carries credentials.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("hostname", c.Hostname).
		Str("advertise_addr", c.AdvertiseAddr).
		Str("nats_url", c.NATSURL).
		Int("replication_n", c.ReplicationN).
		Int("replication_w", c.ReplicationW).
		Int("replication_pool_size", c.ReplicationPoolSize).
		Dur("replication_timeout", c.ReplicationTimeout).
		Dur("long_poll_wait", c.LongPollWait).
		Dur("idle_threshold", c.IdleThreshold).
		Dur("expiration_grace", c.ExpirationGrace).
		Dur("gc_interval", c.GCInterval).
		Int("hashring_positions", c.HashringPositions).
		Bool("allow_forwarding", c.AllowForwarding).
		Bool("test_hooks", c.TestHooks).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
