package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is a shared TTL cache for resolver results. Values are opaque bytes;
// callers serialize what they store. Entries expire server-side after the
// given TTL, and concurrent refreshes of the same key are harmless: the
// newest write wins.
type Cache interface {
	// Connect establishes a connection to the cache backend
	Connect() error

	// Close closes the connection to the cache backend
	Close() error

	// Type returns the backend type ("memory", "redis", "memcached")
	Type() string

	// Get retrieves a value; ErrNotFound when absent or expired
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given time-to-live
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value
	Delete(ctx context.Context, key string) error
}

// Config selects and parameterizes a cache backend
type Config struct {
	Type     string // "memory", "redis" or "memcached"
	Addr     string // host:port for network backends
	Password string // Redis only
	Database int    // Redis only
}

// New creates a cache instance for the configured backend
func New(config Config) (Cache, error) {
	switch config.Type {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}
