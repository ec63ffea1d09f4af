package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName tags every record so fleetjobs lines can be told apart in a
// shared log stream.
const ServiceName = "fleetjobs"

// ZerologLogger writes JSON records, or console lines when APP_ENV=dev.
// Records carry service and component, plus any scope added with With
// (run_id, driver, job_ref).
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger returns a logger bound to component.
func NewZerologLogger(component string) Logger {
	var z zerolog.Logger
	if strings.EqualFold(os.Getenv("APP_ENV"), "dev") {
		z = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339})
	} else {
		z = zerolog.New(output)
	}
	z = z.With().Timestamp().Str("service", ServiceName).Str("component", component).Logger()
	return &ZerologLogger{log: z}
}

// With returns a child logger that adds fields to every record, e.g. the
// run id of a pipeline pass.
func (l *ZerologLogger) With(fields map[string]any) Logger {
	return &ZerologLogger{log: l.log.With().Fields(fields).Logger()}
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

// Debugw logs a decision trace; fields are written as top level keys.
func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	l.log.Debug().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}
