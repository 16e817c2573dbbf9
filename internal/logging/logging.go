// Package logging provides structured logging for the cistern application.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. Text output goes through tint
// for a readable console; JSON output is meant for production collectors.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("ingestion")
//	log.Info("topic attached", "topic", topic, "loaded", n)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger

	// level is shared by every handler Init creates, so SetLevel takes
	// effect on component loggers that were already handed out.
	level = new(slog.LevelVar)
)

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, colored text.
func Init(lvl slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, lvl, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, lvl slog.Level, jsonFormat bool) {
	level.Set(lvl)

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: lvl == slog.LevelDebug,
		})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  lvl == slog.LevelDebug,
			TimeFormat: time.TimeOnly,
		})
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
}

// SetLevel changes the minimum level of the handlers created by Init.
func SetLevel(lvl slog.Level) {
	level.Set(lvl)
}

// ParseLevel maps a config string to a slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func current() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	Init(slog.LevelInfo, false)

	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Component loggers resolve the global logger on every call, so a package
// level logger created before Init still writes to the handler Init installs.
func Component(name string) *slog.Logger {
	return slog.New(&componentHandler{name: name})
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return current().With(args...)
}

// componentHandler forwards to whatever handler the global logger holds at
// the time of the call, replaying WithAttrs/WithGroup in order.
type componentHandler struct {
	name string
	ops  []func(slog.Handler) slog.Handler
}

func (h *componentHandler) target() slog.Handler {
	th := current().Handler().WithAttrs([]slog.Attr{slog.String("component", h.name)})
	for _, op := range h.ops {
		th = op(th)
	}
	return th
}

func (h *componentHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return current().Handler().Enabled(ctx, lvl)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *componentHandler) with(op func(slog.Handler) slog.Handler) *componentHandler {
	ops := make([]func(slog.Handler) slog.Handler, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	ops = append(ops, op)
	return &componentHandler{name: h.name, ops: ops}
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(th slog.Handler) slog.Handler { return th.WithAttrs(attrs) })
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(th slog.Handler) slog.Handler { return th.WithGroup(name) })
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) { current().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { current().Info(msg, args...) }

// Warn logs at warning level.
func Warn(msg string, args ...any) { current().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { current().Error(msg, args...) }
