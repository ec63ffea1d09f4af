package pipeline

import (
	"context"
	"sync/atomic"
)

// Guard admits at most one pipeline run at a time. TryAcquire never
// blocks: a caller that loses gets ok == false and must drop its trigger.
type Guard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// LocalGuard serializes runs within one process.
type LocalGuard struct {
	running atomic.Bool
}

// TryAcquire implements Guard.
func (g *LocalGuard) TryAcquire(context.Context) (func(), bool, error) {
	if !g.running.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func() { g.running.Store(false) }, true, nil
}

// Running reports whether a run currently holds the guard.
func (g *LocalGuard) Running() bool { return g.running.Load() }

// Chain acquires every guard in order and releases them in reverse. It is
// used to pair the in-process guard with a distributed lock.
type Chain []Guard

// TryAcquire implements Guard.
func (c Chain) TryAcquire(ctx context.Context) (func(), bool, error) {
	releases := make([]func(), 0, len(c))
	undo := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range c {
		rel, ok, err := g.TryAcquire(ctx)
		if err != nil || !ok {
			undo()
			return nil, false, err
		}
		releases = append(releases, rel)
	}
	return undo, true, nil
}
