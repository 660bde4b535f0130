// Package obslog provides the supervisor's structured logging
// conventions: a thin wrapper around log/slog's JSON handler (callers
// attach connection/call/process identity as fields), plus the rate
// limiter errreport uses so noisy failure loops don't flood Sentry.
package obslog

import (
	"io"
	"log/slog"
	"os"
)

// New builds the supervisor's default JSON logger. debug widens the
// level to slog.LevelDebug and additionally writes to stderr; otherwise
// only the given writer receives output.
func New(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	writers := []io.Writer{w}
	if debug {
		level = slog.LevelDebug
		writers = append(writers, os.Stderr)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// NewNoOp returns a logger that discards everything, for tests.
func NewNoOp() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
