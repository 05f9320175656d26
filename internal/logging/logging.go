package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the handler. Format is "json" (default) or "text"; Level is one of
// debug, info (default), warn, error.
type Options struct {
	Format string
	Level  string
	Out    io.Writer
}

// Init installs a slog default logger tagged with service and returns it.
func Init(service string, o Options) *slog.Logger {
	format := strings.ToLower(strings.TrimSpace(o.Format))
	out := o.Out
	if out == nil {
		out = os.Stdout
	}
	level, levelOK := parseLevel(o.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	if !levelOK {
		logger.Warn("unknown log level, defaulting to info", "level", o.Level)
	}
	return logger
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, true
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
