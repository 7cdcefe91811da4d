// Package egpool provides a context-aware job group backed by a bounded
// worker pool. It caps in-flight dispatches at the pool size and hands
// every job the group context, which is cancelled as soon as any job
// fails, so blocked work (backoff sleeps, slow requests) unwinds instead
// of running to completion.
package egpool

import (
	"context"
	"fmt"
	"sync"
)

// Group runs submitted jobs on at most poolSize workers. Create it with
// WithContext; the zero value is not usable.
type Group struct {
	poolSize int
	ctx      context.Context
	cancel   context.CancelFunc

	jobs    chan func(context.Context) error
	wg      sync.WaitGroup
	startMu sync.Mutex
	started int

	errMu    sync.Mutex
	firstErr error
	errs     []error
}

// WithContext returns a Group whose jobs receive a context derived from
// ctx. The derived context is cancelled when a job returns an error or
// panics, and when Wait returns.
func WithContext(ctx context.Context, poolSize int) *Group {
	if poolSize <= 0 {
		poolSize = 1
	}
	gctx, cancel := context.WithCancel(ctx)
	return &Group{
		poolSize: poolSize,
		ctx:      gctx,
		cancel:   cancel,
		jobs:     make(chan func(context.Context) error),
	}
}

// Go submits a job. Workers start on demand, one per submission, until
// the pool is full; after that Go blocks until a worker frees up, which
// is the pipeline's backpressure point. Go must not be called after
// Wait.
func (eg *Group) Go(f func(ctx context.Context) error) {
	eg.startMu.Lock()
	if eg.started < eg.poolSize {
		eg.started++
		eg.wg.Add(1)
		go eg.worker()
	}
	eg.startMu.Unlock()
	eg.jobs <- f
}

func (eg *Group) worker() {
	defer eg.wg.Done()
	for job := range eg.jobs {
		eg.run(job)
	}
}

// run executes one job, converting a panic into an ErrPanic so a bad job
// cannot take the worker down with it.
func (eg *Group) run(job func(context.Context) error) {
	defer func() {
		if p := recover(); p != nil {
			eg.fail(ErrPanic{Value: p})
		}
	}()
	if err := job(eg.ctx); err != nil {
		eg.fail(err)
	}
}

func (eg *Group) fail(err error) {
	eg.errMu.Lock()
	if eg.firstErr == nil {
		eg.firstErr = err
	}
	eg.errs = append(eg.errs, err)
	eg.errMu.Unlock()
	eg.cancel()
}

// ErrPanic wraps a panic value recovered from a job function.
type ErrPanic struct {
	Value interface{}
}

func (p ErrPanic) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Wait blocks until every submitted job has finished, releases the group
// context, and returns the first recorded error. Wait may be called only
// once.
func (eg *Group) Wait() error {
	close(eg.jobs)
	eg.wg.Wait()
	eg.cancel()

	eg.errMu.Lock()
	defer eg.errMu.Unlock()
	return eg.firstErr
}

// Errors returns a copy of every error recorded so far.
func (eg *Group) Errors() []error {
	eg.errMu.Lock()
	defer eg.errMu.Unlock()
	out := make([]error, len(eg.errs))
	copy(out, eg.errs)
	return out
}
