package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outpost.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("EmptyPathUsesDefaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Queue.Store)
		assert.Equal(t, 5, cfg.Queue.Workers)
		assert.Equal(t, 72, cfg.Queue.ExpiryHours)
		assert.True(t, cfg.Bounce.Enabled)
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := writeConfig(t, `
[server]
hostname = "mail.example.org"
listen = ":9090"

[queue]
store = "sqlite"
dsn = "file:queue.db"
workers = 12
retry_schedule_minutes = [1, 10, 60]

[dns]
upstreams = ["10.0.0.53:53"]

[logging]
level = "debug"
format = "text"
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "mail.example.org", cfg.Server.Hostname)
		assert.Equal(t, "sqlite", cfg.Queue.Store)
		assert.Equal(t, 12, cfg.Queue.Workers)
		assert.Equal(t, []string{"10.0.0.53:53"}, cfg.DNS.Upstreams)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Untouched sections keep their defaults.
		assert.Equal(t, 25, cfg.SMTP.Port)
		assert.Equal(t, "memory", cfg.Blob.Type)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadConfig("/nonexistent/outpost.toml")
		assert.Error(t, err)
	})

	t.Run("MalformedTOML", func(t *testing.T) {
		path := writeConfig(t, "[queue\nstore =")
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("SQLStoreNeedsDSN", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Queue.Store = "postgres"
		err := cfg.Validate()
		assert.ErrorContains(t, err, "dsn")
	})

	t.Run("UnknownStore", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Queue.Store = "etcd"
		assert.Error(t, cfg.Validate())
	})

	t.Run("FileBlobNeedsDir", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Blob.Type = "file"
		assert.ErrorContains(t, cfg.Validate(), "dir")
	})

	t.Run("BadLogLevel", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.Level = "verbose"
		assert.Error(t, cfg.Validate())
	})

	t.Run("DefaultsAreValid", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})
}

func TestRetrySchedule(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, cfg.RetrySchedule())

	cfg.Queue.RetryScheduleMinutes = []int{1, 5, 15}
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}, cfg.RetrySchedule())
}
