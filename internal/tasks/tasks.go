// Package tasks holds the job bodies run by the executor: one-shot
// detection and similarity requests, and the repeating capture loop.
package tasks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/kalambet/drinkwatch/internal/files"
	"github.com/kalambet/drinkwatch/internal/processor"
	"github.com/kalambet/drinkwatch/internal/storage"
)

// DefaultOtherColor is the box colour for detections that match no stock type.
const DefaultOtherColor = "chocolate"

// Env is what every job body needs. Jobs open their own store connection
// through OpenStore and close it when they finish.
type Env struct {
	OpenStore func() (*storage.Store, error)
	Files     *files.Store
	Detector  processor.Detector
	Comparer  processor.Comparer

	DetectionModel  string
	SimilarityModel string
	Query           []processor.QueryItem
	OtherColor      string

	Logger *slog.Logger
	Now    func() time.Time
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Env) otherColor() string {
	if e.OtherColor == "" {
		return DefaultOtherColor
	}
	return e.OtherColor
}

// detect runs the detector over img and stores the annotated output next to
// the original under the same name.
func (e *Env) detect(ctx context.Context, store *storage.Store, img processor.Image, name string) (storage.DetectionPayload, int64, error) {
	res, err := e.Detector.Detect(ctx, processor.DetectRequest{
		Model:      e.DetectionModel,
		Query:      e.Query,
		OtherColor: e.otherColor(),
		Image:      img,
	})
	if err != nil {
		return storage.DetectionPayload{}, 0, processor.Wrap("detect", err)
	}
	annoID, err := e.saveAnnotated(store, name, res.Annotated)
	if err != nil {
		return storage.DetectionPayload{}, 0, err
	}
	return storage.DetectionPayload{Objects: res.Objects}, annoID, nil
}

func (e *Env) saveAnnotated(store *storage.Store, name string, img processor.Image) (int64, error) {
	if err := e.Files.Put(storage.KindAnnotated, name, bytes.NewReader(img.Data)); err != nil {
		return 0, fmt.Errorf("saving annotated image: %w", err)
	}
	id, err := store.InsertFile(name, storage.KindAnnotated, e.now())
	if err != nil {
		return 0, fmt.Errorf("recording annotated image: %w", err)
	}
	return id, nil
}

// readOriginal loads the index-th original file of a capture.
func (e *Env) readOriginal(store *storage.Store, captureID int64, index int) (processor.Image, string, error) {
	name, ok, err := store.FileNameAt(captureID, storage.KindOriginal, index)
	if err != nil {
		return processor.Image{}, "", err
	}
	if !ok {
		return processor.Image{}, "", fmt.Errorf("capture %d has no original file %d: %w", captureID, index, storage.ErrNotFound)
	}
	data, err := e.Files.Read(storage.KindOriginal, name)
	if err != nil {
		return processor.Image{}, "", fmt.Errorf("reading %s: %w", name, err)
	}
	return processor.Image{Data: data, Ext: filepath.Ext(name)}, name, nil
}

func (e *Env) withStore(fn func(*storage.Store) error) error {
	store, err := e.OpenStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			e.logger().Warn("closing job store", "error", cerr)
		}
	}()
	return fn(store)
}

// Detection completes a detection request capture: the uploaded original is
// run through the detector and the annotated image is linked as output.
// The returned value is the capture result id.
func Detection(env *Env, captureID int64) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		var resultID int64
		err := env.withStore(func(store *storage.Store) error {
			img, name, err := env.readOriginal(store, captureID, 0)
			if err != nil {
				return err
			}
			payload, annoID, err := env.detect(ctx, store, img, name)
			if err != nil {
				return err
			}
			resultID, err = store.CompleteCapture(captureID, payload, env.now(), annoID)
			return err
		})
		if err != nil {
			return nil, err
		}
		env.logger().Info("detection request completed", "capture_id", captureID, "result_id", resultID)
		return resultID, nil
	}
}

// Similarity completes a similarity request capture by comparing its two
// original images. The returned value is the score.
func Similarity(env *Env, captureID int64) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		var score float64
		err := env.withStore(func(store *storage.Store) error {
			first, _, err := env.readOriginal(store, captureID, 0)
			if err != nil {
				return err
			}
			second, _, err := env.readOriginal(store, captureID, 1)
			if err != nil {
				return err
			}
			score, err = env.Comparer.Compare(ctx, env.SimilarityModel, first, second)
			if err != nil {
				return processor.Wrap("compare", err)
			}
			_, err = store.CompleteCapture(captureID, storage.SimilarityPayload{Score: score}, env.now())
			return err
		})
		if err != nil {
			return nil, err
		}
		env.logger().Info("similarity request completed", "capture_id", captureID, "score", score)
		return score, nil
	}
}

// FormatScore renders a similarity score the way it is pushed to clients.
func FormatScore(score float64) string {
	// Tenths of a percent, half away from zero (0.8765 -> 87.7%).
	return fmt.Sprintf("%.1f%%", math.Round(score*1000)/10)
}
