// Package logging builds the zerolog loggers used by devices and commands.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Config holds logging configuration.
type Config struct {
	Level   zerolog.Level
	Format  string // "json" or "text"
	Output  io.Writer
	NoColor bool
}

var (
	defaultLogger *zerolog.Logger
	mu            sync.RWMutex
)

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  zerolog.InfoLevel,
		Format: "text",
		Output: os.Stderr,
	}
}

// New creates a logger from cfg. A nil Output means stderr.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var l zerolog.Logger
	switch cfg.Format {
	case "json":
		l = zerolog.New(out)

	default:
		l = zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: cfg.NoColor})
	}

	return l.With().Timestamp().Logger().Level(cfg.Level)
}

// ParseLevel parses a level name like "debug" or "warn". An empty name is info.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, errors.Errorf("logging: %w", err)
	}

	return lvl, nil
}

// Default returns the process default logger, creating it if necessary.
func Default() zerolog.Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return *defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		l := New(DefaultConfig())
		defaultLogger = &l
	}

	return *defaultLogger
}

// SetDefault replaces the process default logger.
func SetDefault(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = &l
}
