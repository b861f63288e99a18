// Package scheduler provides the posture engine's periodic timer and a
// bounded worker pool for the cancellable process-hash probe jobs. The
// Clock abstraction lets tests drive ticks deterministically instead of
// sleeping on wall-clock time.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Clock is an interface over time.Now and time.After so tests can substitute
// a controlled fake clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock delegates to the standard library.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the production Clock.
var RealClock Clock = realClock{}

// Timer fires fn repeatedly: once almost immediately after Start, then
// every period until Stop is called.
type Timer struct {
	period time.Duration
	clock  Clock
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimer constructs a Timer with the given tick period and clock. Pass
// RealClock in production.
func NewTimer(period time.Duration, clk Clock) *Timer {
	if clk == nil {
		clk = RealClock
	}
	return &Timer{period: period, clock: clk}
}

// Start begins firing fn on its own goroutine; the first fire happens
// after a 1ms wait on the Clock, subsequent fires every t.period. Start must
// not be called again until Stop has returned.
func (t *Timer) Start(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)

		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(time.Millisecond):
		}
		fn(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.clock.After(t.period):
				fn(ctx)
			}
		}
	}()
}

// Stop cancels the Timer and waits for its goroutine to exit.
func (t *Timer) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

// WorkerPool bounds the number of concurrently running process-hash jobs
// dispatched in a single posture tick. A zero-value WorkerPool has no
// concurrency limit.
type WorkerPool struct {
	limit int
}

// NewWorkerPool constructs a WorkerPool that runs at most limit jobs
// concurrently. limit <= 0 means unbounded.
func NewWorkerPool(limit int) *WorkerPool {
	return &WorkerPool{limit: limit}
}

// Run executes every job concurrently (bounded by the pool's limit) and
// waits for all of them to either complete or have ctx cancelled. A job
// returning a non-nil error does not stop the others — every job owns its
// own cancellation via ctx.
func (p *WorkerPool) Run(ctx context.Context, jobs []func(ctx context.Context)) {
	if len(jobs) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			job(gctx)
			return nil
		})
	}
	_ = g.Wait()
}
