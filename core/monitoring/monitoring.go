// Package monitoring is the process-wide error reporting hook. The engines
// report through the package functions; infra/monitoring installs the Sentry
// backed implementation at startup.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Monitor receives errors and recovered panics.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	CapturePanic(value any, tags map[string]string)
	Flush(timeout time.Duration)
}

// NopMonitor drops everything.
type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) CapturePanic(any, map[string]string)       {}
func (NopMonitor) Flush(time.Duration)                       {}

type holder struct{ m Monitor }

var current atomic.Value

func init() { current.Store(holder{NopMonitor{}}) }

func get() Monitor { return current.Load().(holder).m }

// Init installs m. A nil monitor restores the no-op one.
func Init(m Monitor) {
	if m == nil {
		m = NopMonitor{}
	}
	current.Store(holder{m})
}

// CaptureException records err with optional tags. Nil errors are ignored.
func CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	get().CaptureException(err, tags)
}

// Recover must be deferred directly at the top of a goroutine:
//
//	go func() {
//	    defer monitoring.Recover("scheduler")
//	    ...
//	}()
//
// A panic is reported with the component tag and swallowed so the process
// keeps serving; the goroutine still ends.
func Recover(component string) {
	r := recover()
	if r == nil {
		return
	}
	get().CapturePanic(r, map[string]string{"component": component})
}

// PanicError turns a recovered value into an error.
func PanicError(value any) error {
	if err, ok := value.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", value)
}

// Flush waits up to d for buffered events to be sent.
func Flush(d time.Duration) {
	get().Flush(d)
}
