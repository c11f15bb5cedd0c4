// Package logging builds the structured zerolog logger shared by every
// long-lived component (acceptors, pipelines, health checker, gossip node).
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format is "json" (default, for log aggregators) or "console"
	// (human-readable, for local development).
	Format string
}

// New builds a zerolog.Logger per cfg. Zero values default to info/json.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	var writer = os.Stdout
	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()

	if strings.ToLower(cfg.Format) == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}).
			Level(level).With().Timestamp().Logger()
	}

	return logger
}
