// Package logging defines the minimal structured-logging surface the engine
// depends on, so callers can plug any slog-compatible logger.
package logging

import (
	"io"
	"log/slog"
)

// Logger is the minimal logging interface used across the engine
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NewSlog returns a Logger backed by a text slog handler writing to w
func NewSlog(w io.Writer, level slog.Level) Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NopLogger discards everything. It is the default when no logger is configured.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
