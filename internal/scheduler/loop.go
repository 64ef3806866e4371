package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TickFunc is the body of one periodic concern.
type TickFunc func(ctx context.Context) error

// Loop runs a TickFunc on a fixed interval. A tick that fires while the
// previous one is still running is skipped and logged, never queued.
type Loop struct {
	name     string
	interval time.Duration
	fn       TickFunc
	logger   *slog.Logger

	running sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a stopped loop.
func NewLoop(name string, interval time.Duration, fn TickFunc, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.With(slog.String("loop", name)),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Start launches the ticker goroutine. An initial tick runs immediately.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return fmt.Errorf("loop %q already started", l.name)
	}
	if l.interval <= 0 {
		return fmt.Errorf("loop %q: interval must be positive", l.name)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(loopCtx, l.done)

	l.logger.Info("loop started", slog.Duration("interval", l.interval))
	return nil
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Tick in its own goroutine so an overrunning body is observed
			// by the next tick as an overlap.
			go l.Tick(ctx)
		}
	}
}

// Tick runs the body once unless a previous invocation is still in flight.
// It reports whether the body ran.
func (l *Loop) Tick(ctx context.Context) bool {
	if !l.running.TryLock() {
		l.logger.Warn("tick skipped: previous run still in progress")
		return false
	}
	defer l.running.Unlock()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tick panicked", slog.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := l.fn(ctx); err != nil {
		l.logger.Error("tick failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return true
	}
	l.logger.Debug("tick completed", slog.Duration("elapsed", time.Since(start)))
	return true
}

// Stop cancels the loop and waits for the ticker goroutine to exit. A tick
// body still running keeps running to completion against a cancelled context.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel = nil
	l.done = nil
	l.logger.Info("loop stopped")
}
