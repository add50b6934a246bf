package exthost

import (
	"log/slog"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for host logging.
// The host uses structured logging with key-value pairs so implementing
// applications can control how host logs appear.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// This approach is compatible with popular structured logging libraries
// like slog, logrus, zap, and others.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	// Used for normal host events like extension registration or activation.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	// Used for errors that don't stop the host but should be noted.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostic information, typically disabled
	// in production.
	Debug(msg string, args ...any)
}

// Default rotation parameters for NewFileLogger, following lumberjack
// semantics.
const (
	DefaultLogMaxSizeMB  = 10 // megabytes before rotation
	DefaultLogMaxBackups = 3  // rotated files to keep
	DefaultLogMaxAgeDays = 7  // days to keep rotated files
)

// SlogLogger adapts a *slog.Logger to the host Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps the given slog logger. A nil argument falls back to
// slog.Default().
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// Info implements Logger.
func (l *SlogLogger) Info(msg string, args ...any) { l.logger.Info(msg, args...) }

// Error implements Logger.
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// Warn implements Logger.
func (l *SlogLogger) Warn(msg string, args ...any) { l.logger.Warn(msg, args...) }

// Debug implements Logger.
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// NewFileLogger returns a Logger that writes JSON records to path with
// size-based rotation. Records at or above level are kept.
func NewFileLogger(path string, level slog.Level) Logger {
	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    DefaultLogMaxSizeMB,
		MaxBackups: DefaultLogMaxBackups,
		MaxAge:     DefaultLogMaxAgeDays,
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return NewSlogLogger(slog.New(handler))
}

// nopLogger discards everything. Components fall back to it when no logger
// is configured so logging calls never need a nil check.
type nopLogger struct{}

func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) Debug(msg string, args ...any) {}
