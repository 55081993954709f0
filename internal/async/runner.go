// Package async runs best-effort side work off the request path. Tasks
// are fire-and-forget: failures are logged and suppressed, so they are
// structurally incapable of affecting the operation that spawned them.
package async

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner executes queued tasks on a single background worker.
type Runner struct {
	logger  *slog.Logger
	timeout time.Duration

	tasks chan task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// NewRunner starts a runner with a bounded queue. When the queue is
// full, tasks are dropped with a log line rather than blocking the
// caller.
func NewRunner(queueSize int, taskTimeout time.Duration, logger *slog.Logger) *Runner {
	if queueSize <= 0 {
		queueSize = 100
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		logger:  logger,
		timeout: taskTimeout,
		tasks:   make(chan task, queueSize),
	}

	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for t := range r.tasks {
		r.run(t)
	}
}

func (r *Runner) run(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("async task panicked", "task", t.name, "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := t.fn(ctx); err != nil {
		r.logger.Warn("async task failed", "task", t.name, "error", err)
	}
}

// Go enqueues a task. Safe to call concurrently; no-op after Close.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	select {
	case r.tasks <- task{name: name, fn: fn}:
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		r.logger.Warn("async queue full, dropping task", "task", name)
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.tasks)
	r.mu.Unlock()

	r.wg.Wait()
}
