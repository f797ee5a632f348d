// Package logger provides structured logging using log/slog. It sets
// up a JSON handler with service-level context and routes the stdlib
// log package through it so the pipeline's [component] lines share the
// same sink.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log.Printf lines also flow through slog.
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps an operator-facing level name to a slog.Level.
// Unknown names fall back to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
