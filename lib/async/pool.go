// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/aarbus/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// PanicHandler observes tasks that panicked.
type PanicHandler func(recovered *panics.Recovered)

// Pool is a bounded worker pool. Submit blocks while the task queue is full.
type Pool struct {
	mu      sync.RWMutex
	closed  bool
	quit    chan struct{}
	jobs    chan job
	pending sync.WaitGroup
	workers conc.WaitGroup
	once    sync.Once
	onPanic PanicHandler
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler installs a callback for recovered task panics.
func WithPanicHandler(h PanicHandler) Option {
	return func(p *Pool) {
		p.onPanic = h
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	p := new(Pool)
	p.quit = make(chan struct{})
	p.jobs = make(chan job, queue)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		p.workers.Go(p.worker)
	}
	return p, nil
}

// Submit schedules the task, waiting for queue space while the pool is open.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	case <-p.quit:
		p.pending.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.pending.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	}
}

// Closed reports whether the pool stopped accepting tasks.
func (p *Pool) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued and in-flight tasks or until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return errs.New("lib/async", errs.CodeTimeout,
			errs.WithMessage("shutdown deadline exceeded with tasks in flight"),
			errs.WithCause(ctx.Err()))
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.pending.Done()
	var catcher panics.Catcher
	catcher.Try(func() {
		// Task errors are the task's own concern; the pool only keeps workers alive.
		_ = j.fn(j.ctx)
	})
	if recovered := catcher.Recovered(); recovered != nil && p.onPanic != nil {
		p.onPanic(recovered)
	}
}
