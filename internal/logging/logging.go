// Package logging is the structured-logging facade used throughout
// milterchild: a thin, swappable wrapper around *slog.Logger.
//
// It follows the same package-level, reassignable-at-startup pattern as
// milter.LogWarning rather than threading a logger through every call,
// but upgrades it to structured, leveled logging with a component tag on
// every record.
package logging

import (
	"log/slog"
	"os"
)

var base = slog.New(slog.NewTextHandler(os.Stderr, nil))

// SetDefault replaces the process-wide logger. Call it once during
// startup (e.g. from cmd/childrend) to switch to JSON output or a
// different level; do not call it concurrently with logging calls.
func SetDefault(l *slog.Logger) {
	if l == nil {
		return
	}
	base = l
}

// Default returns the process-wide logger.
func Default() *slog.Logger {
	return base
}

// For returns a logger tagged with component as a structured attribute,
// so every record from a subsystem carries its own identifier.
func For(component string) *slog.Logger {
	return base.With(slog.String("component", component))
}

// NewTextLogger builds a text-handler logger at level, for CLI/foreground
// use (cmd/childrend's default).
func NewTextLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewJSONLogger builds a JSON-handler logger at level, for when childrend
// runs under a log collector that expects structured records.
func NewJSONLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps a lowercase level name ("debug", "info", "warn",
// "error") to a slog.Level, defaulting to Info for an unrecognized value.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
