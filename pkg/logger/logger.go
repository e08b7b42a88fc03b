// Package logger defines the structured logging interface used across the
// QKMS service. Implementations live in internal/infrastructure/monitoring;
// the noop variant in this package is for tests.
package logger

import "context"

// Fields is a map of structured logging fields.
type Fields map[string]interface{}

// Logger is the logging interface consumed by all layers of the service.
type Logger interface {
	// Debug logs a debug message.
	Debug(ctx context.Context, msg string, fields ...Fields)

	// Info logs an informational message.
	Info(ctx context.Context, msg string, fields ...Fields)

	// Warn logs a warning message.
	Warn(ctx context.Context, msg string, fields ...Fields)

	// Error logs an error message with the underlying error attached.
	Error(ctx context.Context, msg string, err error, fields ...Fields)

	// Fatal logs a fatal message and terminates the process.
	Fatal(ctx context.Context, msg string, err error, fields ...Fields)

	// WithFields returns a derived logger that includes the given fields on
	// every entry.
	WithFields(fields Fields) Logger

	// ForContext returns the request-scoped logger carried in ctx, if any,
	// falling back to the receiver.
	ForContext(ctx context.Context) Logger
}
