package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Addr:                ":9090",
		Hostname:            "host1",
		AdvertiseAddr:       "host1",
		NATSURL:             "nats://localhost:4222",
		DatabaseURL:         "postgres://localhost/chatsvc",
		ReplicationN:        2,
		ReplicationW:        1,
		ReplicationPoolSize: 20,
		ReplicationTimeout:  5 * time.Second,
		MaxConnsPerPeer:     1,
		LongPollWait:        10 * time.Second,
		IdleThreshold:       20 * time.Second,
		ExpirationGrace:     360 * time.Second,
		GCInterval:          time.Minute,
		GCThrottle:          100 * time.Millisecond,
		HashringPositions:   3,
		PresenceHeartbeat:   2 * time.Second,
		AllowForwarding:     true,
		PersistencePoolSize: 4,
		ShutdownTimeout:     30 * time.Second,
		LogLevel:            "info",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing addr", func(c *Config) { c.Addr = "" }, true},
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, true},
		{"zero replication n", func(c *Config) { c.ReplicationN = 0 }, true},
		{"w exceeds n", func(c *Config) { c.ReplicationW = 3 }, true},
		{"zero w", func(c *Config) { c.ReplicationW = 0 }, true},
		{"zero pool size", func(c *Config) { c.ReplicationPoolSize = 0 }, true},
		{"zero persistence pool", func(c *Config) { c.PersistencePoolSize = 0 }, true},
		{"zero hashring positions", func(c *Config) { c.HashringPositions = 0 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"w equals n", func(c *Config) { c.ReplicationW = 2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
