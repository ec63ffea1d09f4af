package monitoring

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/kilianp07/fleetjobs/config"
	"github.com/kilianp07/fleetjobs/core/fleeterr"
	coremon "github.com/kilianp07/fleetjobs/core/monitoring"
)

// NewSentryMonitor initializes Sentry using the provided configuration and
// returns a Monitor implementation. Without a DSN it returns a NopMonitor.
func NewSentryMonitor(cfg config.SentryConfig) (coremon.Monitor, error) {
	if cfg.DSN == "" {
		return coremon.NopMonitor{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.TracesSampleRate,
		Release:          cfg.Release,
	})
	if err != nil {
		return nil, err
	}
	return &sentryMonitor{}, nil
}

type sentryMonitor struct{}

func (s *sentryMonitor) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	tags = withErrorTags(err, tags)
	if len(tags) == 0 {
		sentry.CaptureException(err)
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

func (s *sentryMonitor) CapturePanic(value any, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(sentry.LevelFatal)
		sentry.CurrentHub().Recover(value)
	})
	sentry.Flush(2 * time.Second)
}

func (s *sentryMonitor) Flush(timeout time.Duration) { sentry.Flush(timeout) }

// withErrorTags adds the fleet error kind and reason so issues group by
// failure class. Caller tags win.
func withErrorTags(err error, tags map[string]string) map[string]string {
	fe, ok := fleeterr.From(err)
	if !ok {
		return tags
	}
	out := map[string]string{"error_kind": fe.Kind.String()}
	if fe.Reason != "" {
		out["error_reason"] = string(fe.Reason)
	}
	for k, v := range tags {
		out[k] = v
	}
	return out
}
