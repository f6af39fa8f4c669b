package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value      []byte
	expiration int64 // Unix nanoseconds, 0 = no expiry
}

// Memory implements Cache in process memory. A janitor goroutine sweeps
// expired items so the map does not grow without bound.
type Memory struct {
	mu        sync.RWMutex
	items     map[string]memoryItem
	connected bool
	stopChan  chan struct{}
}

// NewMemory creates a new in-memory cache
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem)}
}

// Connect initializes the cache and starts the janitor
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.stopChan = make(chan struct{})
	go m.janitor()
	m.connected = true
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Memory) deleteExpired() {
	now := time.Now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, item := range m.items {
		if item.expiration > 0 && now > item.expiration {
			delete(m.items, key)
		}
	}
}

// Close stops the janitor and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}
	close(m.stopChan)
	m.items = make(map[string]memoryItem)
	m.connected = false
	return nil
}

// Type returns "memory"
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a value, treating expired items as absent
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}

	item, found := m.items[key]
	if !found {
		return nil, ErrNotFound
	}
	if item.expiration > 0 && time.Now().UnixNano() > item.expiration {
		return nil, ErrNotFound
	}
	return item.value, nil
}

// Set stores a value with the given TTL
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	var expiration int64
	if ttl > 0 {
		expiration = time.Now().Add(ttl).UnixNano()
	}
	m.items[key] = memoryItem{value: append([]byte(nil), value...), expiration: expiration}
	return nil
}

// Delete removes a value
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	delete(m.items, key)
	return nil
}
