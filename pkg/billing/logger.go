package billing

import "context"

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// F is shorthand for building a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger is a no-op implementation of the Logger interface.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

// ErrorReporter receives unexpected errors for tracking.
type ErrorReporter interface {
	Report(ctx context.Context, err error, fields ...Field)
}

// LogReporter reports errors by logging them at error level.
type LogReporter struct {
	Logger Logger
}

func (r *LogReporter) Report(_ context.Context, err error, fields ...Field) {
	if r == nil || r.Logger == nil || err == nil {
		return
	}
	r.Logger.Error(err.Error(), append(fields, F("error", err))...)
}
