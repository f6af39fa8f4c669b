package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements Cache on a Memcached server
type Memcached struct {
	config    Config
	client    *memcache.Client
	connected bool
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	if config.Addr == "" {
		config.Addr = "localhost:11211"
	}
	return &Memcached{config: config}
}

// Connect establishes a connection to Memcached
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	m.client = memcache.New(m.config.Addr)
	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.connected = true
	return nil
}

// Close marks the cache as disconnected; the memcache client has no
// connection teardown of its own.
func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

// Type returns "memcached"
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a value; Memcached handles expiry server-side
func (m *Memcached) Get(_ context.Context, key string) ([]byte, error) {
	if !m.connected {
		return nil, ErrNotConnected
	}

	item, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return item.Value, nil
}

// Set stores a value with the given TTL. Memcached expirations are whole
// seconds; sub-second TTLs are rounded up so short-lived entries still expire.
func (m *Memcached) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}

	seconds := int32(ttl / time.Second)
	if ttl > 0 && seconds == 0 {
		seconds = 1
	}
	if err := m.client.Set(&memcache.Item{Key: key, Value: value, Expiration: seconds}); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes a value
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}

	err := m.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}
