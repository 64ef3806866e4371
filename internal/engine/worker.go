package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of a pool's task counters.
type PoolMetrics struct {
	Capacity  int   `json:"capacity"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Task is a unit of work run on a WorkerPool.
type Task func(ctx context.Context) error

// WorkerPool bounds how many tasks run at once. Workflow runs are launched on
// one pool fire-and-forget; pipeline stages use a second pool so a wave
// never waits behind the runs that launched it.
type WorkerPool struct {
	slots  chan struct{}
	closed chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	inflight sync.WaitGroup
	shut     bool

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool running at most size tasks concurrently.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		slots:  make(chan struct{}, max(size, 1)),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// Submit starts task once a slot is free, blocking until then or until ctx
// ends. The returned channel yields the task's error exactly once; a panic
// is reported as an error naming the task.
func (p *WorkerPool) Submit(ctx context.Context, name string, task Task) (<-chan error, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}

	result := make(chan error, 1)
	go func() {
		defer p.inflight.Done()
		defer func() { <-p.slots }()
		result <- p.run(ctx, name, task)
	}()
	return result, nil
}

// Go submits task without waiting for it; a failure is only logged.
func (p *WorkerPool) Go(ctx context.Context, name string, task Task) error {
	result, err := p.Submit(ctx, name, task)
	if err != nil {
		return err
	}
	go func() {
		if err := <-result; err != nil {
			p.logger.Warn("worker task failed", slog.String("task", name), slog.String("error", err.Error()))
		}
	}()
	return nil
}

// acquire takes a slot and registers the task as in flight. Registration
// happens under mu so Shutdown never starts waiting between the two.
func (p *WorkerPool) acquire(ctx context.Context) error {
	if p.isShut() {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		<-p.slots
		return ErrPoolShutdown
	}
	p.inflight.Add(1)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, name string, task Task) (err error) {
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("worker task panicked", slog.String("task", name), slog.Any("panic", r))
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
		p.active.Add(-1)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()
	return task(ctx)
}

func (p *WorkerPool) isShut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shut
}

// Wait blocks until every submitted task has finished.
func (p *WorkerPool) Wait() {
	p.inflight.Wait()
}

// Shutdown rejects further submissions and waits for running tasks.
// Calling it again is a no-op.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.shut {
		p.shut = true
		close(p.closed)
	}
	p.mu.Unlock()
	p.inflight.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Capacity:  cap(p.slots),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
