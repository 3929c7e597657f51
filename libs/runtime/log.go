package runtime

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the JSON logger every binary writes with.
// LOG_LEVEL accepts debug, info, warn and error.
func NewLogger(service string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	})
	return slog.New(h).With("service", service)
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
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

// Component derives a child logger for a library component.
func Component(logger *slog.Logger, component, module string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("component", component)
	if module != "" {
		l = l.With("module", module)
	}
	return l
}
