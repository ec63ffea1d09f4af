package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/logger"
	"github.com/kilianp07/fleetjobs/core/model"
)

// RetryConfig bounds every store call.
type RetryConfig struct {
	TimeoutMS  int `json:"timeout_ms"`
	MaxRetries int `json:"max_retries"`
	BackoffMS  int `json:"backoff_ms"`
}

// SetDefaults fills zero values.
func (c *RetryConfig) SetDefaults() {
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 5000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

// Retrying decorates a Store with per-call timeouts and bounded exponential
// backoff. ErrNotFound and ErrVersionConflict are returned as is; any other
// failure left after the last attempt becomes an ExternalStoreError.
type Retrying struct {
	inner Store
	cfg   RetryConfig
	log   logger.Logger
}

// NewRetrying wraps inner.
func NewRetrying(inner Store, cfg RetryConfig, log logger.Logger) *Retrying {
	cfg.SetDefaults()
	return &Retrying{inner: inner, cfg: cfg, log: log}
}

// Unwrap returns the decorated store.
func (r *Retrying) Unwrap() Store { return r.inner }

func call[T any](ctx context.Context, r *Retrying, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Duration(r.cfg.BackoffMS) * time.Millisecond
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.cfg.MaxRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
		v, err := fn(cctx)
		if err == nil {
			out = v
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if r.log != nil {
			r.log.Warnf("store %s attempt %d failed: %v", op, attempt, err)
		}
		return err
	}, b)
	if err == nil {
		return out, nil
	}
	if !retryable(err) {
		return out, err
	}
	return out, fleeterr.ExternalStore(err, op)
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return fleeterr.KindOf(err) == 0
}

func (r *Retrying) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error) {
	return call(ctx, r, "list jobs", func(c context.Context) ([]model.Job, error) { return r.inner.ListJobs(c, f) })
}

func (r *Retrying) GetJob(ctx context.Context, ref string) (model.Job, error) {
	return call(ctx, r, "get job", func(c context.Context) (model.Job, error) { return r.inner.GetJob(c, ref) })
}

func (r *Retrying) SaveJob(ctx context.Context, job model.Job) (model.Job, error) {
	return call(ctx, r, "save job", func(c context.Context) (model.Job, error) { return r.inner.SaveJob(c, job) })
}

func (r *Retrying) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	return call(ctx, r, "list drivers", r.inner.ListDrivers)
}

func (r *Retrying) GetDriver(ctx context.Context, name string) (model.Driver, error) {
	return call(ctx, r, "get driver", func(c context.Context) (model.Driver, error) { return r.inner.GetDriver(c, name) })
}

func (r *Retrying) SaveDriver(ctx context.Context, d model.Driver) (model.Driver, error) {
	return call(ctx, r, "save driver", func(c context.Context) (model.Driver, error) { return r.inner.SaveDriver(c, d) })
}

func (r *Retrying) ListBatches(ctx context.Context) ([]model.BatchPlan, error) {
	return call(ctx, r, "list batches", r.inner.ListBatches)
}

func (r *Retrying) GetBatch(ctx context.Context, id string) (model.BatchPlan, error) {
	return call(ctx, r, "get batch", func(c context.Context) (model.BatchPlan, error) { return r.inner.GetBatch(c, id) })
}

func (r *Retrying) SaveBatch(ctx context.Context, b model.BatchPlan) (model.BatchPlan, error) {
	return call(ctx, r, "save batch", func(c context.Context) (model.BatchPlan, error) { return r.inner.SaveBatch(c, b) })
}

// Close closes the decorated store.
func (r *Retrying) Close() error { return r.inner.Close() }
