// Package workers provides a bounded goroutine pool for running
// independent simulation jobs in parallel.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Job is a unit of work. Jobs must be independent of each other; the
// pool gives no ordering guarantees.
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Execute(ctx context.Context) error { return f(ctx) }

// Pool runs jobs on a fixed number of worker goroutines. A panicking job
// is recovered and reported as a failure so one bad job cannot take the
// whole batch down.
type Pool struct {
	logger *zap.Logger
	size   int
	queue  chan submission
	wg     sync.WaitGroup

	// mu guards running and orders Submit's queue send before Stop's
	// close, so a racing Stop can never close the channel mid-send.
	mu      sync.RWMutex
	running bool

	completed atomic.Int64
	failed    atomic.Int64
}

type submission struct {
	job  Job
	ctx  context.Context
	done chan error
}

// NewPool creates a pool with size workers. size <= 0 defaults to the
// number of CPUs.
func NewPool(logger *zap.Logger, size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{
		logger: logger.Named("workers"),
		size:   size,
		queue:  make(chan submission, size*2),
	}
}

// Start launches the workers. Idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.logger.Info("starting worker pool", zap.Int("workers", p.size))
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", id))
	for sub := range p.queue {
		err := p.run(sub.ctx, sub.job)
		if err != nil {
			p.failed.Add(1)
			logger.Debug("job failed", zap.Error(err))
		} else {
			p.completed.Add(1)
		}
		sub.done <- err
	}
}

func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.Any("panic", r))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return job.Execute(ctx)
}

// Submit queues a job and returns a channel that receives its result.
func (p *Pool) Submit(ctx context.Context, job Job) <-chan error {
	done := make(chan error, 1)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		done <- ErrPoolStopped
		return done
	}
	p.queue <- submission{job: job, ctx: ctx, done: done}
	return done
}

// RunAll executes all jobs and blocks until each has finished. Errors
// are returned positionally; a nil slice means every job succeeded.
func (p *Pool) RunAll(ctx context.Context, jobs []Job) []error {
	dones := make([]<-chan error, len(jobs))
	for i, job := range jobs {
		dones[i] = p.Submit(ctx, job)
	}

	var errs []error
	for i, done := range dones {
		if err := <-done; err != nil {
			if errs == nil {
				errs = make([]error, len(jobs))
			}
			errs[i] = err
		}
	}
	return errs
}

// Stop drains the queue and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("worker pool stopped",
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()),
	)
}

// Completed returns the number of successfully finished jobs.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Failed returns the number of failed jobs.
func (p *Pool) Failed() int64 { return p.failed.Load() }

// ErrPoolStopped is returned for submissions to a stopped pool.
var ErrPoolStopped = &Error{Message: "pool is stopped"}

// Error is a pool-level error.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }
