// Package wslog provides the structured logging facade used across the
// router: a small Field-based interface over log/slog so packages take
// a Logger dependency instead of reaching for the global default.
package wslog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger is the structured logging interface every wskit package takes
// as a dependency instead of reaching for the global default directly.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
}

// Field is a single structured logging attribute.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field      { return Field{Key: key, Value: value} }
func Int(key string, value int) Field     { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field   { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}
func Err(err error) Field             { return Field{Key: "error", Value: err} }
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// SlogLogger implements Logger on top of log/slog.
type SlogLogger struct {
	logger *slog.Logger
	ctx    context.Context
}

type config struct {
	level     slog.Level
	output    io.Writer
	json      bool
	addSource bool
}

// Option configures New.
type Option func(*config)

func WithLevel(level slog.Level) Option { return func(c *config) { c.level = level } }
func WithOutput(w io.Writer) Option     { return func(c *config) { c.output = w } }
func WithJSON() Option                  { return func(c *config) { c.json = true } }
func WithSource() Option                { return func(c *config) { c.addSource = true } }

// New creates a slog-backed Logger. Defaults to info-level JSON on
// stdout; use WithOutput/WithLevel to redirect in tests or dev.
func New(opts ...Option) *SlogLogger {
	c := &config{level: slog.LevelInfo, output: os.Stdout, json: true}
	for _, opt := range opts {
		opt(c)
	}

	var handler slog.Handler
	handlerOpts := &slog.HandlerOptions{Level: c.level, AddSource: c.addSource}
	if c.json {
		handler = slog.NewJSONHandler(c.output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(c.output, handlerOpts)
	}

	return &SlogLogger{logger: slog.New(handler), ctx: context.Background()}
}

func (l *SlogLogger) toAttrs(fields []Field) []any {
	attrs := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		attrs = append(attrs, f.Key, f.Value)
	}
	return attrs
}

func (l *SlogLogger) Debug(msg string, fields ...Field) {
	l.logger.DebugContext(l.ctx, msg, l.toAttrs(fields)...)
}
func (l *SlogLogger) Info(msg string, fields ...Field) {
	l.logger.InfoContext(l.ctx, msg, l.toAttrs(fields)...)
}
func (l *SlogLogger) Warn(msg string, fields ...Field) {
	l.logger.WarnContext(l.ctx, msg, l.toAttrs(fields)...)
}
func (l *SlogLogger) Error(msg string, fields ...Field) {
	l.logger.ErrorContext(l.ctx, msg, l.toAttrs(fields)...)
}

func (l *SlogLogger) With(fields ...Field) Logger {
	return &SlogLogger{logger: l.logger.With(l.toAttrs(fields)...), ctx: l.ctx}
}

func (l *SlogLogger) WithContext(ctx context.Context) Logger {
	return &SlogLogger{logger: l.logger, ctx: ctx}
}

type contextKey struct{}

// ContextWithLogger attaches a Logger to ctx.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext recovers a Logger from ctx, falling back to Default.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextKey{}).(Logger); ok {
		return logger
	}
	return Default
}

// Default is the process-wide logger used when no request-scoped logger
// has been attached to a context.
var Default Logger = New()

// SetDefault replaces Default, e.g. to inject a test-capturing logger.
func SetDefault(logger Logger) { Default = logger }

// Nop discards every log call; useful in tests that don't want log
// output but still need a Logger value.
type Nop struct{}

func (Nop) Debug(string, ...Field)               {}
func (Nop) Info(string, ...Field)                {}
func (Nop) Warn(string, ...Field)                {}
func (Nop) Error(string, ...Field)               {}
func (n Nop) With(...Field) Logger               { return n }
func (n Nop) WithContext(context.Context) Logger { return n }
