// Package logging configures the process-wide slog logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production it uses JSON output for log aggregation; otherwise the
// human-readable text handler at debug level.
func Init(environment string) *slog.Logger {
	var handler slog.Handler
	if strings.EqualFold(environment, "production") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// WithSession returns a logger scoped to one deliberation session.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("session_id", sessionID)
}

// WithPhase returns a logger scoped to a deliberation phase.
func WithPhase(logger *slog.Logger, phase string, agents int) *slog.Logger {
	return logger.With(
		"phase", phase,
		"agents", agents,
	)
}
