// Package logger declares the logging interface the engines depend on.
// infra/logger provides the zerolog adapter and a no-op implementation.
package logger

// Logger is a leveled printf-style logger bound to one component.
type Logger interface {
	Debugf(format string, args ...any)
	// Debugw logs msg with structured fields, e.g. a per-job decision trace.
	Debugw(msg string, fields map[string]any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Scoper is implemented by loggers that can carry fixed fields.
type Scoper interface {
	With(fields map[string]any) Logger
}

// With scopes l to fields when l supports it and returns l unchanged
// otherwise.
func With(l Logger, fields map[string]any) Logger {
	if s, ok := l.(Scoper); ok {
		return s.With(fields)
	}
	return l
}
