// Package logger provides the leveled, structured logger used across moteino-ota.
//
// The Logger interface decouples the transfer code from the concrete backend.
// The default backend is log/slog: a human-friendly console handler for
// terminals, or JSON lines when LOG_FORMAT=json.
//
// Log Levels:
//
//   - DebugLevel: every line crossing the wire, poll decisions.
//   - InfoLevel:  phase changes and the final outcome.
//   - WarnLevel:  recoverable protocol trouble (timeouts, desync).
//   - ErrorLevel: the reason a run was aborted.
package logger

import "strings"

// Level indicates the logging severity level.
type Level int8

const (
	// DebugLevel logs are voluminous and disabled unless -d is given.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't abort anything.
	WarnLevel
	// ErrorLevel logs explain why a run failed.
	ErrorLevel
)

// ParseLevel converts a level name (debug, info, warn, error) to a Level.
// Unknown names map to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger defines a common interface for logging.
type Logger interface {
	// Debug logs a message at DebugLevel with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)
	// Info logs a message at InfoLevel with optional key-value pairs.
	Info(msg string, keysAndValues ...any)
	// Warn logs a message at WarnLevel with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)
	// Error logs a message at ErrorLevel with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
	// With creates a child logger carrying the given key-values.
	// Key-values added to the child don't affect the parent, and vice versa.
	With(keyValues ...any) Logger
	// Level returns the minimum enabled level for this logger.
	Level() Level
	// SetLevel sets the minimum enabled level for this logger.
	SetLevel(level Level)
}
