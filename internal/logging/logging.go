// Package logging holds the daemon's slog helpers.
//
// Loggers are passed in, never global: main builds one handler, wraps it in a
// ComponentFilterHandler, and each component scopes it with
// logger.With("component", name) at construction. Components never call
// slog.SetDefault.
//
// Log points are cycle boundaries (start, upload result, sleep, wake), never
// individual kernel records or read calls.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger, or a discard logger when it is nil.
//
//	func New(cfg Config) *Cycle {
//	    logger := logging.Default(cfg.Logger).With("component", "cycle")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ParseLevel maps a configured level name (debug, info, warn, error; any case)
// to a slog.Level. "warning" is accepted as an alias for warn.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}
