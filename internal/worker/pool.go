// Package worker provides the fixed-size worker pool shared by the
// replicator and the persister.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// ErrStopped is returned by Enqueue after the pool has been stopped.
var ErrStopped = errors.New("worker pool stopped")

// Job is one unit of work.
type Job func()

// Pool runs jobs on a fixed number of goroutines fed from a bounded
// queue. A full queue blocks the producer, which is the backpressure
// mechanism for the replication and persistence paths: an overloaded
// node slows its RPC handlers down rather than buffering without
// bound.
type Pool struct {
	name   string
	queue  chan Job
	logger zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewPool returns a stopped pool with the given worker count and queue
// capacity.
func NewPool(name string, workers, queueSize int, logger zerolog.Logger) *Pool {
	p := &Pool{
		name:   name,
		queue:  make(chan Job, queueSize),
		logger: logger.With().Str("component", name+"_pool").Logger(),
		stop:   make(chan struct{}),
	}
	p.workersLocked(workers)
	return p
}

func (p *Pool) workersLocked(n int) {
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
}

// Start marks the pool as accepting jobs. Workers are already running;
// Start exists so callers can hold a constructed pool before wiring is
// complete.
func (p *Pool) Start() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
}

// Enqueue submits a job, blocking while the queue is full. It fails
// with ErrStopped once the pool is stopping and with the context error
// on cancellation.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	select {
	case p.queue <- job:
		return nil
	case <-p.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of queued jobs.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Stop drains the queue and waits for all workers to finish. Safe to
// call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	close(p.stop)
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// worker executes queued jobs until the queue is closed and drained.
// A panicking job is logged and the worker continues.
func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		if job == nil {
			continue
		}
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("worker panic recovered")
		}
	}()
	job()
}
