package jobs

import (
	"context"
	"log/slog"
	"sync"
)

// Outcome is what a job resolved to: a value or a failure.
type Outcome struct {
	Value any
	Err   error
}

// Handle is a future for one submitted job or loop.
type Handle struct {
	id   uint64
	kind string

	done chan struct{}

	mu        sync.Mutex
	outcome   Outcome
	fired     bool
	callbacks []func(Outcome)

	logger *slog.Logger
}

func newHandle(id uint64, kind string, logger *slog.Logger) *Handle {
	return &Handle{id: id, kind: kind, done: make(chan struct{}), logger: logger}
}

func (h *Handle) ID() uint64   { return h.id }
func (h *Handle) Kind() string { return h.kind }

// Done is closed when the job has resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the job's outcome. It is only meaningful after Done is closed.
func (h *Handle) Result() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome.Value, h.outcome.Err
}

// Wait blocks until the job resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnComplete registers cb to run exactly once with the job's outcome, on the
// goroutine that resolves the job. If the job has already resolved, cb runs
// immediately on the caller's goroutine. Callbacks run in registration order.
func (h *Handle) OnComplete(cb func(Outcome)) {
	h.mu.Lock()
	if !h.fired {
		h.callbacks = append(h.callbacks, cb)
		h.mu.Unlock()
		return
	}
	out := h.outcome
	h.mu.Unlock()
	h.run(cb, out)
}

func (h *Handle) resolve(out Outcome) {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		return
	}
	h.fired = true
	h.outcome = out
	cbs := h.callbacks
	h.callbacks = nil
	close(h.done)
	h.mu.Unlock()

	for _, cb := range cbs {
		h.run(cb, out)
	}
}

func (h *Handle) run(cb func(Outcome), out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("job completion callback panicked", "job", h.id, "kind", h.kind, "panic", r)
		}
	}()
	cb(out)
}
