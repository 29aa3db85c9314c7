package utils

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the process-wide slog.Logger for the analysis engine.
// Level parsing is forgiving: unrecognised values run at info. Every record
// carries the service name so aggregated logs stay filterable next to the
// archive and collector services.
func NewLogger(level string, json bool) *slog.Logger {
	handlerLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		handlerLevel = slog.LevelDebug
	case "warn":
		handlerLevel = slog.LevelWarn
	case "error":
		handlerLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: handlerLevel}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(slog.String("service", "analysis-engine"))
}

// ComponentLogger tags a child logger with the subsystem it serves.
func ComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("component", component))
}
