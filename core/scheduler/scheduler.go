package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/monitoring"
)

// Source is the trigger name passed to the runner on every tick.
const Source = "schedule"

// Runner executes one pipeline pass.
type Runner interface {
	Trigger(ctx context.Context, source string) error
}

// Scheduler fires Runner on a ticker until its context ends.
type Scheduler struct {
	cfg    Config
	runner Runner
	log    logger.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	fired   int
	dropped int
}

// New validates its parameters and applies defaults to cfg.
func New(cfg Config, runner Runner, log logger.Logger) (*Scheduler, error) {
	if runner == nil || log == nil {
		return nil, errors.New("scheduler: nil parameter provided to New")
	}
	cfg.SetDefaults()
	return &Scheduler{cfg: cfg, runner: runner, log: log}, nil
}

// Interval returns the tick period.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.cfg.IntervalSeconds) * time.Second
}

// Run blocks until ctx is cancelled, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()
	s.log.Infof("scheduler started, interval %s", s.Interval())
	if s.cfg.RunOnStart {
		s.fire(ctx)
	}
	for {
		select {
		case <-ticker.C:
			s.fire(ctx)
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Infof("scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.Recover("scheduler")
		err := s.runner.Trigger(ctx, Source)
		s.mu.Lock()
		s.fired++
		if fleeterr.ReasonOf(err) == fleeterr.ReasonRunInProgress {
			s.dropped++
		}
		s.mu.Unlock()
		switch {
		case err == nil:
		case fleeterr.ReasonOf(err) == fleeterr.ReasonRunInProgress:
			s.log.Debugf("tick dropped: %v", err)
		case ctx.Err() != nil:
			s.log.Debugf("tick cancelled: %v", err)
		default:
			s.log.Errorf("scheduled run failed: %v", err)
		}
	}()
}

// Stats returns how many ticks fired and how many were dropped because a
// run was still executing.
func (s *Scheduler) Stats() (fired, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired, s.dropped
}
