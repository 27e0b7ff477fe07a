// Package logging constructs the relay's structured loggers.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns the process root logger for the given environment:
// JSON at Info in production, human-readable text at Debug otherwise.
func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env)
}

// NewLoggerTo builds the logger against an explicit writer.
func NewLoggerTo(w io.Writer, env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
