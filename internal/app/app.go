// Package app holds the state of one running server: the capture store
// connection used by request handlers, the job executor, the event broker
// and the change watcher, together with the shutdown signal shared by all
// open event streams.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/drinkwatch/internal/broker"
	"github.com/kalambet/drinkwatch/internal/config"
	"github.com/kalambet/drinkwatch/internal/emitter"
	"github.com/kalambet/drinkwatch/internal/files"
	"github.com/kalambet/drinkwatch/internal/jobs"
	"github.com/kalambet/drinkwatch/internal/processor"
	"github.com/kalambet/drinkwatch/internal/stock"
	"github.com/kalambet/drinkwatch/internal/storage"
	"github.com/kalambet/drinkwatch/internal/tasks"
	"github.com/kalambet/drinkwatch/internal/watcher"
)

// Job kinds, used as metric labels and in logs.
const (
	KindDetection  = "detection_request"
	KindSimilarity = "similarity_request"
	KindLoop       = "capture_loop"
)

// SimilarityEvent is the name of the targeted event carrying a similarity score.
const SimilarityEvent = "similarity"

// Deps are the collaborators the App does not build itself.
type Deps struct {
	Detector   processor.Detector
	Comparer   processor.Comparer
	Backend    processor.Backend
	OpenCamera func() (processor.Camera, error)
	Catalog    *stock.Catalog

	// Mirror, when set, receives a copy of every broker event.
	Mirror *emitter.MQTTMirror

	// Progress receives model loading output. Defaults to io.Discard.
	Progress io.Writer
	Logger   *slog.Logger
}

// App is the server state. It is created once in main and handed to the
// HTTP layer; nothing in it is global.
type App struct {
	cfg      config.Config
	Store    *storage.Store
	Files    *files.Store
	Broker   *broker.Broker
	Executor *jobs.Executor
	Watcher  *watcher.Watcher
	Catalog  *stock.Catalog

	env      *tasks.Env
	loop     tasks.LoopConfig
	backend  processor.Backend
	mirror   *emitter.MQTTMirror
	progress io.Writer
	logger   *slog.Logger
	now      func() time.Time

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New opens the stores and wires the actors. Background work starts with Run.
func New(cfg config.Config, deps Deps) (*App, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	progress := deps.Progress
	if progress == nil {
		progress = io.Discard
	}

	fs, err := files.New(cfg.ImageDir())
	if err != nil {
		return nil, fmt.Errorf("preparing image directory: %w", err)
	}

	openStore := func() (*storage.Store, error) { return storage.Open(cfg.Storage.DataDir) }
	store, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	watcherStore, err := openStore()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening watcher storage: %w", err)
	}

	var opts []broker.Option
	opts = append(opts, broker.WithLogger(logger))
	if deps.Mirror != nil {
		opts = append(opts, broker.WithMirror(deps.Mirror))
	}
	b := broker.New(opts...)

	a := &App{
		cfg:      cfg,
		Store:    store,
		Files:    fs,
		Broker:   b,
		Executor: jobs.New(cfg.Processor.Workers, logger),
		Watcher:  watcher.New(watcherStore, b, cfg.UpdateInterval()),
		Catalog:  deps.Catalog,
		backend:  deps.Backend,
		mirror:   deps.Mirror,
		progress: progress,
		logger:   logger,
		now:      time.Now,
		shutdown: make(chan struct{}),
	}

	a.env = &tasks.Env{
		OpenStore:       openStore,
		Files:           fs,
		Detector:        deps.Detector,
		Comparer:        deps.Comparer,
		DetectionModel:  cfg.Models.Detection,
		SimilarityModel: cfg.Models.Similarity,
		Logger:          logger,
	}
	if deps.Catalog != nil {
		a.env.Query = deps.Catalog.QueryItems()
	}
	a.loop = tasks.LoopConfig{
		Rate:       cfg.CaptureRate(),
		OpenCamera: deps.OpenCamera,
		Setup:      a.setupModels,
		Captured:   func(int64) { a.Watcher.Wake() },
	}
	return a, nil
}

// Config returns the configuration the App was built with.
func (a *App) Config() config.Config { return a.cfg }

// ShutdownSignal is closed when the server starts shutting down. Every open
// event stream ends when it closes.
func (a *App) ShutdownSignal() <-chan struct{} { return a.shutdown }

// Run runs the change watcher and the event mirror until ctx is done, then
// closes the shutdown signal. It starts the capture loop first when
// capture.autostart is set.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Capture.Autostart {
		if err := a.StartLoop(); err != nil {
			a.logger.Warn("autostarting capture loop", "error", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Watcher.Run(ctx)
		return nil
	})
	if a.mirror != nil {
		g.Go(func() error {
			a.mirror.Run(ctx)
			return nil
		})
	}
	<-ctx.Done()
	a.closeShutdown()
	return g.Wait()
}

func (a *App) closeShutdown() {
	a.shutdownOnce.Do(func() {
		a.logger.Info("shutdown signalled, closing event streams")
		close(a.shutdown)
	})
}

// Shutdown ends every stream, stops the loop and waits for running jobs
// until ctx is done. The handler store is closed last.
func (a *App) Shutdown(ctx context.Context) error {
	a.closeShutdown()

	var errs []error
	if err := a.Executor.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.mirror != nil {
		a.mirror.Disconnect()
	}
	if a.Catalog != nil {
		if err := a.Catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing stock index: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) setupModels(ctx context.Context) error {
	if a.backend == nil {
		return nil
	}
	return processor.EnsureReady(ctx, a.backend, a.progress, a.cfg.Models.Detection)
}

// Submission identifies an accepted request. Job resolves when processing ends.
type Submission struct {
	CaptureID  int64
	ExternalID uuid.UUID
	Job        *jobs.Handle
}

// Upload is one image received from a client.
type Upload struct {
	Body io.Reader
	Ext  string
}

// SubmitDetection stores the uploaded image, records an in-progress capture
// and schedules detection on it.
func (a *App) SubmitDetection(up Upload) (Submission, error) {
	sub, err := a.createRequest(storage.OriginRequest, a.cfg.Models.Detection, up)
	if err != nil {
		return Submission{}, err
	}
	h, err := a.Executor.Submit(KindDetection, tasks.Detection(a.env, sub.CaptureID))
	if err != nil {
		return Submission{}, err
	}
	h.OnComplete(func(out jobs.Outcome) {
		if out.Err != nil {
			a.logger.Error("detection request failed", "capture_id", sub.CaptureID, "error", out.Err)
		}
		a.Watcher.Wake()
	})
	sub.Job = h
	return sub, nil
}

// SubmitSimilarity stores both images and schedules their comparison. The
// score is published to subscribers targeting the returned external id.
func (a *App) SubmitSimilarity(first, second Upload) (Submission, error) {
	sub, err := a.createRequest(storage.OriginSimilarity, a.cfg.Models.Similarity, first, second)
	if err != nil {
		return Submission{}, err
	}
	h, err := a.Executor.Submit(KindSimilarity, tasks.Similarity(a.env, sub.CaptureID))
	if err != nil {
		return Submission{}, err
	}
	h.OnComplete(func(out jobs.Outcome) {
		defer a.Watcher.Wake()
		if out.Err != nil {
			a.logger.Error("similarity request failed", "capture_id", sub.CaptureID, "error", out.Err)
			return
		}
		score, ok := out.Value.(float64)
		if !ok {
			a.logger.Error("similarity job returned no score", "capture_id", sub.CaptureID, "value", out.Value)
			return
		}
		a.Broker.Publish(broker.Event{Name: SimilarityEvent, Data: tasks.FormatScore(score)}, sub.ExternalID)
	})
	sub.Job = h
	return sub, nil
}

// createRequest writes the uploads as original files and records them with
// an in-progress capture in one transaction. With more than one upload the
// files are numbered from 1. Files written before a failure are removed again.
func (a *App) createRequest(origin storage.Origin, model string, uploads ...Upload) (Submission, error) {
	now := a.now()
	names := make([]string, 0, len(uploads))
	cleanup := func() {
		for _, name := range names {
			if err := a.Files.Remove(storage.KindOriginal, name); err != nil {
				a.logger.Warn("removing upload", "file", name, "error", err)
			}
		}
	}

	for i, up := range uploads {
		index := 0
		if len(uploads) > 1 {
			index = i + 1
		}
		name, err := a.Files.WriteNew(storage.KindOriginal, up.Body, up.Ext, now, index)
		if err != nil {
			cleanup()
			return Submission{}, err
		}
		names = append(names, name)
	}

	ext := uuid.New()
	id, err := a.Store.CreateRequestCapture(ext, model, origin, now, names)
	if err != nil {
		cleanup()
		return Submission{}, err
	}
	a.logger.Info("request accepted", "origin", origin, "capture_id", id, "external_id", ext)
	return Submission{CaptureID: id, ExternalID: ext}, nil
}

// StartLoop starts the capture loop. It fails with jobs.ErrAlreadyRunning
// while one is active.
func (a *App) StartLoop() error {
	if a.loop.OpenCamera == nil {
		return ErrNoCamera
	}
	_, err := a.Executor.StartLoop(KindLoop, tasks.CaptureLoop(a.env, a.loop))
	return err
}

// StopLoop asks the capture loop to stop at its next checkpoint and returns
// its handle. It fails with jobs.ErrNotRunning when no loop is active.
func (a *App) StopLoop() (*jobs.Handle, error) {
	return a.Executor.RequestStop()
}

// LoopRunning reports whether a capture loop is active.
func (a *App) LoopRunning() bool {
	return a.Executor.Loop() != nil
}
