// Package logging builds the structured loggers used across clustermux,
// following the teacher's internal/shared/logging.NewLogger shape (JSON in
// production), with tint's readable console output, the way the teacher's
// own cmd/zeitwork and internal/testsuite do for local runs, in place of a
// plain text handler for every other environment.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// New creates a structured logger with the appropriate level and handler
// for the given environment: JSON for "production" and "staging", tint
// for any other value (including "development").
func New(serviceName, level, environment string) *slog.Logger {
	logLevel := parseLevel(level)

	var handler slog.Handler
	switch strings.ToLower(environment) {
	case "production", "staging":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: logLevel})
	}

	logger := slog.New(handler)
	if serviceName != "" {
		logger = logger.With(slog.String("service", serviceName))
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
