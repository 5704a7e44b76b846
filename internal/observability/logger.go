// Package observability defines shared logging primitives.
package observability

import (
	"log/slog"
	"os"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// SlogLogger adapts a slog.Logger to the Logger interface.
type SlogLogger struct {
	base *slog.Logger
}

// NewSlogLogger wraps the provided slog logger; a nil base logs JSON to stdout.
func NewSlogLogger(base *slog.Logger) *SlogLogger {
	if base == nil {
		base = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &SlogLogger{base: base}
}

// Debug logs at debug level.
func (l *SlogLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, attrs(fields)...) }

// Info logs at info level.
func (l *SlogLogger) Info(msg string, fields ...Field) { l.base.Info(msg, attrs(fields)...) }

// Warn logs at warn level.
func (l *SlogLogger) Warn(msg string, fields ...Field) { l.base.Warn(msg, attrs(fields)...) }

// Error logs at error level.
func (l *SlogLogger) Error(msg string, fields ...Field) { l.base.Error(msg, attrs(fields)...) }

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}
