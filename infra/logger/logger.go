// Package logger provides the zerolog-backed implementation of the core
// Logger interface and the process-wide output settings.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	corelogger "github.com/kilianp07/fleetjobs/core/logger"
)

// Logger mirrors the core logger interface.
type Logger = corelogger.Logger

// NopLogger implements Logger with no-op methods.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any)         {}
func (NopLogger) Debugw(string, map[string]any) {}
func (NopLogger) Infof(string, ...any)          {}
func (NopLogger) Warnf(string, ...any)          {}
func (NopLogger) Errorf(string, ...any)         {}

var output io.Writer = os.Stdout

// SetOutput redirects loggers created afterwards to w. The CLI uses it to
// keep stdout for command results.
func SetOutput(w io.Writer) { output = w }

// SetLevel sets the global minimum level from its name.
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// New returns a Logger for the given component. APP_ENV=dev switches to
// console output.
func New(component string) Logger {
	return NewZerologLogger(component)
}
