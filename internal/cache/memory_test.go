package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()

	newConnected := func(t *testing.T) *Memory {
		m := NewMemory()
		require.NoError(t, m.Connect())
		t.Cleanup(func() { m.Close() })
		return m
	}

	t.Run("SetAndGet", func(t *testing.T) {
		m := newConnected(t)

		require.NoError(t, m.Set(ctx, "key", []byte("value"), time.Minute))
		got, err := m.Get(ctx, "key")
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), got)
	})

	t.Run("MissingKey", func(t *testing.T) {
		m := newConnected(t)

		_, err := m.Get(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("EntryExpires", func(t *testing.T) {
		m := newConnected(t)

		require.NoError(t, m.Set(ctx, "short", []byte("v"), 10*time.Millisecond))
		time.Sleep(30 * time.Millisecond)

		_, err := m.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		m := newConnected(t)

		require.NoError(t, m.Set(ctx, "key", []byte("v"), time.Minute))
		require.NoError(t, m.Delete(ctx, "key"))

		_, err := m.Get(ctx, "key")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("NotConnected", func(t *testing.T) {
		m := NewMemory()
		_, err := m.Get(ctx, "key")
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestNewFactory(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(Config{Type: "memory"})
		require.NoError(t, err)
		assert.Equal(t, "memory", c.Type())
	})

	t.Run("Redis", func(t *testing.T) {
		c, err := New(Config{Type: "redis", Addr: "localhost:6379"})
		require.NoError(t, err)
		assert.Equal(t, "redis", c.Type())
	})

	t.Run("Memcached", func(t *testing.T) {
		c, err := New(Config{Type: "memcached", Addr: "localhost:11211"})
		require.NoError(t, err)
		assert.Equal(t, "memcached", c.Type())
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := New(Config{Type: "bogus"})
		assert.Error(t, err)
	})
}
