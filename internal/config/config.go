// Package config loads and validates the TOML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/outpost-mta/outpost/internal/logging"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		// Hostname is announced in EHLO and used in bounce reports
		Hostname string `toml:"hostname"`
		// Listen is the ops HTTP listener (health, metrics, queue stats)
		Listen string `toml:"listen"`
	} `toml:"server"`

	Queue struct {
		// Store selects the queue backend: memory, sqlite, postgres,
		// mysql or redis
		Store string `toml:"store"`
		// DSN is the database connection string for the sql backends
		DSN string `toml:"dsn"`
		// RedisAddr and friends apply when Store is redis
		RedisAddr     string `toml:"redis_addr"`
		RedisPassword string `toml:"redis_password"`
		RedisDB       int    `toml:"redis_db"`

		Workers int `toml:"workers"`
		// PollIntervalSeconds caps worker idle sleep
		PollIntervalSeconds int `toml:"poll_interval_seconds"`
		// LeaseSeconds is how long a claim stays exclusive
		LeaseSeconds int `toml:"lease_seconds"`
		// ExpiryHours is how long a message may stay queued
		ExpiryHours int `toml:"expiry_hours"`
		// MaxRetries bounds transient retries per delivery unit
		MaxRetries int `toml:"max_retries"`
		// RetryScheduleMinutes overrides the backoff schedule
		RetryScheduleMinutes []int `toml:"retry_schedule_minutes"`
	} `toml:"queue"`

	Blob struct {
		// Type is memory or file
		Type string `toml:"type"`
		Dir  string `toml:"dir"`
	} `toml:"blob"`

	DNS struct {
		Upstreams      []string `toml:"upstreams"`
		TimeoutSeconds int      `toml:"timeout_seconds"`
		Retries        int      `toml:"retries"`

		// Cache selects the DNS result cache: memory, redis or memcached
		Cache              string `toml:"cache"`
		CacheAddr          string `toml:"cache_addr"`
		CachePassword      string `toml:"cache_password"`
		CacheDB            int    `toml:"cache_db"`
		TTLFloorSeconds    int    `toml:"ttl_floor_seconds"`
		TTLCeilingSeconds  int    `toml:"ttl_ceiling_seconds"`
		NegativeTTLSeconds int    `toml:"negative_ttl_seconds"`
	} `toml:"dns"`

	SMTP struct {
		Port                  int  `toml:"port"`
		ConnectTimeoutSeconds int  `toml:"connect_timeout_seconds"`
		SessionTimeoutSeconds int  `toml:"session_timeout_seconds"`
		TLS                   bool `toml:"tls"`
		TLSInsecureSkipVerify bool `toml:"tls_insecure_skip_verify"`
		BreakerThreshold      int  `toml:"breaker_threshold"`
		BreakerCooldownSecs   int  `toml:"breaker_cooldown_seconds"`
	} `toml:"smtp"`

	Bounce struct {
		// Enabled controls whether permanent failures generate reports
		Enabled bool `toml:"enabled"`
	} `toml:"bounce"`

	Logging logging.Config `toml:"logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.Listen = ":8080"

	cfg.Queue.Store = "memory"
	cfg.Queue.Workers = 5
	cfg.Queue.PollIntervalSeconds = 30
	cfg.Queue.LeaseSeconds = 300
	cfg.Queue.ExpiryHours = 72
	cfg.Queue.MaxRetries = 10

	cfg.Blob.Type = "memory"

	cfg.DNS.Upstreams = []string{"127.0.0.1:53"}
	cfg.DNS.TimeoutSeconds = 5
	cfg.DNS.Retries = 2
	cfg.DNS.Cache = "memory"
	cfg.DNS.TTLFloorSeconds = 60
	cfg.DNS.TTLCeilingSeconds = 3600
	cfg.DNS.NegativeTTLSeconds = 60

	cfg.SMTP.Port = 25
	cfg.SMTP.ConnectTimeoutSeconds = 30
	cfg.SMTP.SessionTimeoutSeconds = 300
	cfg.SMTP.TLS = true
	cfg.SMTP.BreakerThreshold = 5
	cfg.SMTP.BreakerCooldownSecs = 60

	cfg.Bounce.Enabled = true

	cfg.Logging = logging.DefaultConfig()

	return cfg
}

// LoadConfig loads the configuration from a TOML file, applying defaults for
// everything the file omits. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	switch c.Queue.Store {
	case "memory", "redis":
	case "sqlite", "sqlite3", "postgres", "mysql":
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue store %q requires a dsn", c.Queue.Store)
		}
	default:
		return fmt.Errorf("unknown queue store %q", c.Queue.Store)
	}

	switch c.Blob.Type {
	case "memory":
	case "file":
		if c.Blob.Dir == "" {
			return fmt.Errorf("file blob store requires a dir")
		}
	default:
		return fmt.Errorf("unknown blob store %q", c.Blob.Type)
	}

	switch c.DNS.Cache {
	case "memory", "redis", "memcached":
	default:
		return fmt.Errorf("unknown dns cache %q", c.DNS.Cache)
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be at least 1")
	}
	if c.Queue.LeaseSeconds < 1 {
		return fmt.Errorf("queue lease_seconds must be at least 1")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

// RetrySchedule converts the configured schedule to durations, or nil when
// unset so the caller applies the default schedule.
func (c *Config) RetrySchedule() []time.Duration {
	if len(c.Queue.RetryScheduleMinutes) == 0 {
		return nil
	}
	schedule := make([]time.Duration, len(c.Queue.RetryScheduleMinutes))
	for i, m := range c.Queue.RetryScheduleMinutes {
		schedule[i] = time.Duration(m) * time.Minute
	}
	return schedule
}
