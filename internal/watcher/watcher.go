// Package watcher bridges stored captures to the event broker: it polls for
// newly completed captures and broadcasts one event per new capture seen.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/drinkwatch/internal/broker"
	"github.com/kalambet/drinkwatch/internal/metrics"
	"github.com/kalambet/drinkwatch/internal/storage"
)

// DefaultInterval is the poll interval when none is configured.
const DefaultInterval = 10 * time.Second

// CaptureSource is the read side of the capture store the watcher needs.
// The watcher owns it and closes it on exit.
type CaptureSource interface {
	LatestCompletedCapture(origins ...storage.Origin) (*storage.Capture, error)
	Close() error
}

// Publisher receives the watcher's notifications.
type Publisher interface {
	Broadcast(ev broker.Event)
}

// Update is the payload of a feed update event.
type Update struct {
	ID         int64     `json:"id"`
	ExternalID uuid.UUID `json:"external_id"`
	Origin     string    `json:"origin"`
	CreatedAt  time.Time `json:"created_at"`
}

// Watcher polls for the latest completed capture. One instance runs per process.
type Watcher struct {
	store    CaptureSource
	pub      Publisher
	interval time.Duration
	wake     chan struct{}
	logger   *slog.Logger

	mostRecent atomic.Int64 // 0 means none seen
}

// New creates a Watcher. If interval is <= 0, it defaults to DefaultInterval.
func New(store CaptureSource, pub Publisher, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		store:    store,
		pub:      pub,
		interval: interval,
		wake:     make(chan struct{}, 1),
		logger:   slog.Default(),
	}
}

// Wake asks for a check now instead of at the end of the current interval.
// It never blocks; wakes that arrive while one is pending are merged.
func (w *Watcher) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run checks for updates until ctx is cancelled, then closes its store.
// A failed poll is logged and retried on the next interval. The first
// successful read only records the latest capture.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		if err := w.store.Close(); err != nil {
			w.logger.Warn("closing watcher store", "error", err)
		}
		w.logger.Info("update checker stopped")
	}()

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	// Until the latest capture has been read once, every tick retries that
	// read instead of polling, so an old capture is never announced as new.
	seeded := false
	for {
		if ctx.Err() != nil {
			return
		}

		if !seeded {
			if err := w.init(); err != nil {
				w.logger.Error("initialising update checker", "error", err)
			} else {
				seeded = true
			}
		}
		if seeded {
			if _, err := w.RunOnce(); err != nil {
				w.logger.Error("update check failed", "error", err)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.interval)

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.logger.Debug("update check woken early")
		case <-timer.C:
		}
	}
}

func (w *Watcher) init() error {
	latest, err := w.store.LatestCompletedCapture()
	if err != nil {
		return err
	}
	if latest != nil {
		w.mostRecent.Store(latest.ID)
	}
	return nil
}

// RunOnce performs a single check and reports whether an event was published.
func (w *Watcher) RunOnce() (bool, error) {
	latest, err := w.store.LatestCompletedCapture()
	if err != nil {
		metrics.WatcherPolls.WithLabelValues("error").Inc()
		return false, fmt.Errorf("fetching latest capture: %w", err)
	}
	if latest == nil || latest.ID <= w.mostRecent.Load() {
		metrics.WatcherPolls.WithLabelValues("unchanged").Inc()
		return false, nil
	}

	data, err := json.Marshal(Update{
		ID:         latest.ID,
		ExternalID: latest.ExternalID,
		Origin:     string(latest.Origin),
		CreatedAt:  latest.CreatedAt,
	})
	if err != nil {
		metrics.WatcherPolls.WithLabelValues("error").Inc()
		return false, fmt.Errorf("encoding update: %w", err)
	}

	w.logger.Info("update found, publishing", "capture_id", latest.ID)
	w.pub.Broadcast(broker.Event{Data: string(data), ID: strconv.FormatInt(latest.ID, 10)})
	w.mostRecent.Store(latest.ID)
	metrics.WatcherPolls.WithLabelValues("new").Inc()
	return true, nil
}

// MostRecent returns the id of the last capture announced, 0 if none.
func (w *Watcher) MostRecent() int64 {
	return w.mostRecent.Load()
}
