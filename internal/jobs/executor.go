// Package jobs runs capture processing off the request path: bounded
// one-shot jobs and at most one cooperative, stoppable loop.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/drinkwatch/internal/metrics"
	"github.com/kalambet/drinkwatch/internal/processor"
)

var (
	// ErrAlreadyRunning is returned by StartLoop while a loop is active.
	ErrAlreadyRunning = errors.New("loop already running")

	// ErrNotRunning is returned by RequestStop when no loop is active.
	ErrNotRunning = errors.New("loop not running")

	// ErrStopped is returned once the executor has been shut down. Loops may
	// also return it to signal they exited at a checkpoint.
	ErrStopped = errors.New("stopped")
)

// Func is a one-shot job body.
type Func func(ctx context.Context) (any, error)

// LoopFunc is a repeating job body. It must check stop at each safe point and
// return when it is set. Returning nil or ErrStopped counts as a clean exit.
type LoopFunc func(ctx context.Context, stop *StopToken) error

// Executor schedules jobs on goroutines. At most workers one-shot jobs run
// at once; the loop runs outside that bound.
type Executor struct {
	sem *semaphore.Weighted
	// ctx is cancelled only when Shutdown gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	closed   bool
	loop     *Handle
	loopStop *StopToken
	loopCxl  context.CancelFunc
}

// New creates an Executor running up to workers jobs concurrently.
func New(workers int, logger *slog.Logger) *Executor {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Submit schedules fn and returns immediately. A failure or panic in fn
// resolves the handle with a *processor.ProcessingError; it never reaches
// the caller of Submit.
func (e *Executor) Submit(kind string, fn Func) (*Handle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	e.nextID++
	h := newHandle(e.nextID, kind, e.logger)
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.JobsInflight.WithLabelValues(kind).Inc()
	go func() {
		defer e.wg.Done()
		defer metrics.JobsInflight.WithLabelValues(kind).Dec()

		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			h.resolve(Outcome{Err: ErrStopped})
			return
		}
		defer e.sem.Release(1)

		start := time.Now()
		value, err := e.protect(kind, func() (any, error) { return fn(e.ctx) })
		observe(kind, start, err)

		if err != nil {
			e.logger.Warn("job failed", "job", h.id, "kind", kind, "error", err)
		} else {
			e.logger.Debug("job completed", "job", h.id, "kind", kind, "duration", time.Since(start))
		}
		h.resolve(Outcome{Value: value, Err: err})
	}()
	return h, nil
}

// StartLoop starts fn as the executor's loop. Only one loop may be active.
func (e *Executor) StartLoop(kind string, fn LoopFunc) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrStopped
	}
	if e.loop != nil {
		return nil, ErrAlreadyRunning
	}

	e.nextID++
	h := newHandle(e.nextID, kind, e.logger)
	stop := NewStopToken()
	ctx, cancel := context.WithCancel(e.ctx)
	e.loop, e.loopStop, e.loopCxl = h, stop, cancel
	e.wg.Add(1)

	metrics.JobsInflight.WithLabelValues(kind).Inc()
	go func() {
		defer e.wg.Done()
		defer metrics.JobsInflight.WithLabelValues(kind).Dec()
		defer cancel()

		start := time.Now()
		e.logger.Info("loop started", "job", h.id, "kind", kind)
		_, err := e.protect(kind, func() (any, error) { return nil, fn(ctx, stop) })
		if err != nil && stop.Stopped() && isStopError(err) {
			err = nil
		}
		observe(kind, start, err)

		if err != nil {
			e.logger.Error("loop ended with error", "job", h.id, "kind", kind, "error", err)
		} else {
			e.logger.Info("loop ended", "job", h.id, "kind", kind)
		}

		e.mu.Lock()
		if e.loop == h {
			e.loop, e.loopStop, e.loopCxl = nil, nil, nil
		}
		e.mu.Unlock()

		h.resolve(Outcome{Err: err})
	}()
	return h, nil
}

// RequestStop sets the active loop's stop token and cancels its context. The
// loop exits at its next checkpoint; use the handle to wait for it.
func (e *Executor) RequestStop() (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loop == nil {
		return nil, ErrNotRunning
	}
	e.loopStop.Stop()
	e.loopCxl()
	e.logger.Info("loop stop requested", "job", e.loop.id)
	return e.loop, nil
}

// Loop returns the active loop's handle, or nil.
func (e *Executor) Loop() *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loop
}

// Shutdown stops accepting work, asks the loop to stop and waits for
// submitted jobs to finish, including those still queued for a worker slot.
// Jobs are only cancelled once ctx is done.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	if e.loop != nil {
		e.loopStop.Stop()
		e.loopCxl()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// protect runs fn, converting failures and panics into processing errors.
func (e *Executor) protect(kind string, fn func() (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job panicked", "kind", kind, "panic", r)
			value, err = nil, &processor.ProcessingError{Op: kind, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	value, err = fn()
	if err != nil && !errors.Is(err, ErrStopped) {
		err = processor.Wrap(kind, err)
	}
	return value, err
}

func isStopError(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled)
}

func observe(kind string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.JobDuration.WithLabelValues(kind, status).Observe(time.Since(start).Seconds())
}
