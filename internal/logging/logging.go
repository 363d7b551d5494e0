// Package logging provides structured logging for the telemetry daemon.
//
// It wraps log/slog with a process-wide logger and component loggers:
//
//	logging.Init(slog.LevelInfo, false)
//
//	log := logging.Component("mirror")
//	log.Warn("sink write failed", "sink", name, "error", err)
//
// Component loggers are bound late: a logger created in a package var block
// picks up whatever handler a later Init or Setup installs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	defaults "github.com/xtxerr/telemetry/config"
)

var (
	root   rootHandler
	logger = slog.New(&lateHandler{root: &root})
)

func init() {
	root.store(newHandler(os.Stdout, slog.LevelInfo, false))
}

// Options configures the process logger.
type Options struct {
	Level slog.Level
	JSON  bool

	// File, when set, sends output to a rotated file instead of stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Setup installs the global logger described by opts. The returned closer
// releases the log file; it is a no-op for stdout.
func Setup(opts Options) io.Closer {
	if opts.File == "" {
		Init(opts.Level, opts.JSON)
		return nopCloser{}
	}

	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, defaults.DefaultLogMaxSizeMB),
		MaxBackups: orDefault(opts.MaxBackups, defaults.DefaultLogMaxBackups),
		MaxAge:     orDefault(opts.MaxAgeDays, defaults.DefaultLogMaxAgeDays),
		Compress:   opts.Compress,
	}
	InitWriter(w, opts.Level, opts.JSON)
	return w
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	InitWithHandler(newHandler(w, level, jsonFormat))
}

func newHandler(w io.Writer, level slog.Level, jsonFormat bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if jsonFormat {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// InitWithHandler initializes the global logger with a custom handler.
func InitWithHandler(handler slog.Handler) {
	root.store(handler)
	slog.SetDefault(logger)
}

// Discard routes all logging to io.Discard. Useful in tests.
func Discard() {
	InitWriter(io.Discard, slog.LevelError, false)
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
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

// L returns the global logger.
func L() *slog.Logger {
	return logger
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
func Component(name string) *slog.Logger {
	return L().With("component", name)
}

// WithContext returns a logger that includes series identity stored in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := L()

	if deviceID, ok := ctx.Value(contextKeyDeviceID).(string); ok {
		l = l.With("device_id", deviceID)
	}
	if metricKey, ok := ctx.Value(contextKeyMetricKey).(string); ok {
		l = l.With("metric", metricKey)
	}
	if source, ok := ctx.Value(contextKeySource).(string); ok {
		l = l.With("source", source)
	}

	return l
}

type contextKey int

const (
	contextKeyDeviceID contextKey = iota
	contextKeyMetricKey
	contextKeySource
)

// ContextWithSeries adds a device ID and metric key to the context for logging.
func ContextWithSeries(ctx context.Context, deviceID, metricKey string) context.Context {
	ctx = context.WithValue(ctx, contextKeyDeviceID, deviceID)
	return context.WithValue(ctx, contextKeyMetricKey, metricKey)
}

// ContextWithSource adds an ingestion source name (e.g. "mqtt", "snmp").
func ContextWithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, contextKeySource, source)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { L().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { L().Info(msg, args...) }

// Warn logs at warning level.
func Warn(msg string, args ...any) { L().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { L().Error(msg, args...) }

// =============================================================================
// Late-bound handler
// =============================================================================

type handlerRef struct {
	h slog.Handler
}

// rootHandler holds the installed handler. Each store bumps the identity of
// the ref so derived handlers know to rebuild.
type rootHandler struct {
	current atomic.Pointer[handlerRef]
}

func (r *rootHandler) store(h slog.Handler) {
	r.current.Store(&handlerRef{h: h})
}

type boundHandler struct {
	base *handlerRef
	h    slog.Handler
}

// lateHandler replays With/WithGroup calls onto the current root handler.
type lateHandler struct {
	root  *rootHandler
	ops   []func(slog.Handler) slog.Handler
	bound atomic.Pointer[boundHandler]
}

func (l *lateHandler) resolve() slog.Handler {
	base := l.root.current.Load()
	if b := l.bound.Load(); b != nil && b.base == base {
		return b.h
	}
	h := base.h
	for _, op := range l.ops {
		h = op(h)
	}
	l.bound.Store(&boundHandler{base: base, h: h})
	return h
}

func (l *lateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return l.resolve().Enabled(ctx, level)
}

func (l *lateHandler) Handle(ctx context.Context, r slog.Record) error {
	return l.resolve().Handle(ctx, r)
}

func (l *lateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return l
	}
	return l.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (l *lateHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return l
	}
	return l.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (l *lateHandler) derive(op func(slog.Handler) slog.Handler) *lateHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(l.ops), len(l.ops)+1)
	copy(ops, l.ops)
	return &lateHandler{root: l.root, ops: append(ops, op)}
}
