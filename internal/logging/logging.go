// Package logging configures the process-wide structured logger and provides
// the delivery event logger used by the queue workers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls the process logger
type Config struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level"`
	// Format is "json" or "text"
	Format string `toml:"format"`
	// File is the log destination; empty or "-" means stdout
	File string `toml:"file"`
}

// DefaultConfig logs info-level JSON to stdout
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
	}
}

// ParseLevel maps a config string to a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Setup installs the default slog logger according to config. The returned
// closer is non-nil when a log file was opened.
func Setup(config Config) (io.Closer, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	var closer io.Closer
	if config.File != "" && config.File != "-" {
		f, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("unknown log format %q", config.Format)
	}

	slog.SetDefault(slog.New(handler))
	return closer, nil
}
