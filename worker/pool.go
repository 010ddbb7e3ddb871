// Package worker provides a bounded background execution pool whose task
// outcomes are always captured.
//
// The inbox guard must not block the transport's delivery goroutine while
// business logic runs, but plain fire-and-forget goroutines lose failures
// silently. The pool queues tasks, runs them on a fixed set of workers,
// recovers panics, logs every failure and additionally exposes failures on
// an error channel for callers that want to observe them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Submit after Close has been called.
var ErrPoolClosed = errors.New("worker: pool closed")

// Task is a unit of background work.
type Task struct {
	// Name identifies the task in logs and error reports.
	Name string
	// Run does the work. The context is the pool's lifetime context.
	Run func(ctx context.Context) error
}

// Failure describes a task that returned an error or panicked.
type Failure struct {
	Name string
	Err  error
}

// Pool runs tasks on a fixed number of background goroutines.
type Pool struct {
	tasks    chan Task
	failures chan Failure
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards submissions against a concurrent Close so a task is never
	// sent on the closed queue.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	workers   int
	queueSize int
	logger    *slog.Logger
}

// WithWorkers sets the number of worker goroutines. Default 4.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize sets the task queue capacity. Default 256. Submit blocks
// when the queue is full, applying backpressure to the caller.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates and starts a pool.
func New(opts ...Option) *Pool {
	o := options{
		workers:   4,
		queueSize: 256,
		logger:    slog.Default().With("component", "worker.pool"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:    make(chan Task, o.queueSize),
		failures: make(chan Failure, o.queueSize),
		logger:   o.logger,
		cancel:   cancel,
	}

	p.wg.Add(o.workers)
	for i := 0; i < o.workers; i++ {
		go p.run(ctx)
	}
	return p
}

// Submit queues a task for background execution. It blocks while the queue
// is full and returns ErrPoolClosed once the pool is closed.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures returns the channel failed tasks are reported on. The channel is
// buffered; when nobody drains it, failures are still logged but the oldest
// unread reports are dropped rather than blocking workers.
func (p *Pool) Failures() <-chan Failure {
	return p.failures
}

// Close stops accepting tasks, waits for queued tasks to finish and releases
// the workers. In-flight tasks observe a cancelled context but are allowed
// to complete.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
		p.wg.Wait()
		p.cancel()
		close(p.failures)
	})
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.execute(ctx, t)
	}
}

func (p *Pool) execute(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.report(Failure{Name: t.Name, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if err := t.Run(ctx); err != nil {
		p.report(Failure{Name: t.Name, Err: err})
	}
}

func (p *Pool) report(f Failure) {
	p.logger.Error("background task failed", "task", f.Name, "error", f.Err)
	select {
	case p.failures <- f:
	default:
		// Nobody is draining; drop the oldest report to make room.
		select {
		case <-p.failures:
		default:
		}
		select {
		case p.failures <- f:
		default:
		}
	}
}
