package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

func ToLogLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger. "json" selects the JSON handler; anything
// else gets the colored tint text handler.
func NewLogger(logLevel string, logFormat string) *slog.Logger {
	return newLogger(os.Stderr, logLevel, logFormat)
}

func newLogger(w io.Writer, logLevel string, logFormat string) *slog.Logger {
	level := ToLogLevel(logLevel)

	var handler slog.Handler
	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource: true,
			Level:     level,
		})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
