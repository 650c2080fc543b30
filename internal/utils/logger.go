package utils

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a leveled, structured logger for the application.
//
// The variadic args are key/value pairs:
//
//	logger.Info("connected", "user", userID, "conn", connID)
type Logger struct {
	l *slog.Logger
}

// NewLogger creates a JSON logger writing to stdout
func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout, false)
}

// NewLoggerTo creates a logger writing to w. Text output is used for tests
// and local runs, JSON otherwise.
func NewLoggerTo(w io.Writer, text bool) *Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if text {
		return &Logger{l: slog.New(slog.NewTextHandler(w, opts))}
	}
	return &Logger{l: slog.New(slog.NewJSONHandler(w, opts))}
}

// NopLogger discards everything
func NopLogger() *Logger {
	return NewLoggerTo(io.Discard, true)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) {
	l.l.Debug(msg, args...)
}

// Info logs an informational message
func (l *Logger) Info(msg string, args ...any) {
	l.l.Info(msg, args...)
}

// Warn logs a non-fatal but unusual condition
func (l *Logger) Warn(msg string, args ...any) {
	l.l.Warn(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.l.Error(msg, args...)
}

// With returns a child logger that always includes the given pairs
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l: l.l.With(args...)}
}
