package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Pool hands requests to a fixed set of model workers. A worker that breaks
// is replaced on release.
type Pool struct {
	ctx    context.Context
	cfg    WorkerConfig
	idle   chan *Worker
	spawn  func(ctx context.Context, cfg WorkerConfig) (*Worker, error)
	logger *slog.Logger
}

// StartPool spawns n workers.
func StartPool(ctx context.Context, cfg WorkerConfig, n int) (*Pool, error) {
	return startPool(ctx, cfg, n, StartWorker)
}

func startPool(ctx context.Context, cfg WorkerConfig, n int, spawn func(context.Context, WorkerConfig) (*Worker, error)) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		ctx:    ctx,
		cfg:    cfg,
		idle:   make(chan *Worker, n),
		spawn:  spawn,
		logger: logger,
	}
	for i := 0; i < n; i++ {
		w, err := spawn(ctx, cfg)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("starting worker %d of %d: %w", i+1, n, err)
		}
		p.idle <- w
	}
	return p, nil
}

func (p *Pool) Size() int { return cap(p.idle) }

func (p *Pool) acquire(ctx context.Context) (*Worker, error) {
	select {
	case w := <-p.idle:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(w *Worker) {
	if w.Broken() && p.ctx.Err() == nil {
		_ = w.Close()
		nw, err := p.spawn(p.ctx, p.cfg)
		if err != nil {
			p.logger.Error("replacing broken model worker", "error", err)
		} else {
			p.logger.Info("replaced broken model worker")
			w = nw
		}
	}
	p.idle <- w
}

func (p *Pool) Detect(ctx context.Context, req DetectRequest) (DetectionResult, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return DetectionResult{}, Wrap("detect", err)
	}
	defer p.release(w)
	return w.Detect(ctx, req)
}

func (p *Pool) Compare(ctx context.Context, model string, a, b Image) (float64, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return 0, Wrap("compare", err)
	}
	defer p.release(w)
	return w.Compare(ctx, model, a, b)
}

func (p *Pool) IsRunning(ctx context.Context) bool {
	w, err := p.acquire(ctx)
	if err != nil {
		return false
	}
	defer p.release(w)
	return w.IsRunning(ctx)
}

func (p *Pool) HasModel(ctx context.Context, name string) bool {
	w, err := p.acquire(ctx)
	if err != nil {
		return false
	}
	defer p.release(w)
	return w.HasModel(ctx, name)
}

// LoadModel loads name into every worker, one at a time.
func (p *Pool) LoadModel(ctx context.Context, name string, onProgress func(LoadProgress)) error {
	held := make([]*Worker, 0, p.Size())
	defer func() {
		for _, w := range held {
			p.release(w)
		}
	}()

	var errs []error
	for range p.Size() {
		w, err := p.acquire(ctx)
		if err != nil {
			return Wrap("load "+name, err)
		}
		held = append(held, w)
		if !w.HasModel(ctx, name) {
			errs = append(errs, w.LoadModel(ctx, name, onProgress))
		}
	}
	return errors.Join(errs...)
}

// Close shuts down every idle worker. Call it after all requests have returned.
func (p *Pool) Close() {
	for {
		select {
		case w := <-p.idle:
			_ = w.Close()
		default:
			return
		}
	}
}
