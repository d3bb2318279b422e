// Package logging builds the structured logger shared by the keeper and
// agent daemons.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
// Every line carries a "service" attribute naming the emitting daemon, so
// keeper and agent output interleaves cleanly in a shared aggregator.
func New(jsonMode bool, service string) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler).With("service", service)}
}
