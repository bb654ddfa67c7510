package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/drinkwatch/internal/jobs"
	"github.com/kalambet/drinkwatch/internal/processor"
	"github.com/kalambet/drinkwatch/internal/storage"
)

// LoopConfig configures the capture loop.
type LoopConfig struct {
	// Rate is the time between the starts of two iterations.
	Rate time.Duration

	// OpenCamera is called once per loop run; the camera is closed on exit.
	OpenCamera func() (processor.Camera, error)

	// Setup prepares the models before the first frame, e.g. loading weights.
	Setup func(ctx context.Context) error

	// Captured, when set, is called with the id of every stored capture.
	Captured func(captureID int64)
}

// CaptureLoop returns the loop body that grabs a frame every cfg.Rate, runs
// detection and stores both images as one completed capture.
//
// Stop is honoured before model setup, after it, at the top of every
// iteration, after the frame is grabbed, after detection, after the original
// is saved and while waiting for the next iteration.
func CaptureLoop(env *Env, cfg LoopConfig) jobs.LoopFunc {
	return func(ctx context.Context, stop *jobs.StopToken) error {
		log := env.logger()

		store, err := env.OpenStore()
		if err != nil {
			return err
		}
		defer store.Close()

		cam, err := cfg.OpenCamera()
		if err != nil {
			return processor.Wrap("open camera", err)
		}
		defer cam.Close()

		if stop.Stopped() {
			return nil
		}
		if cfg.Setup != nil {
			if err := cfg.Setup(ctx); err != nil {
				return fmt.Errorf("loop setup: %w", err)
			}
		}
		if stop.Stopped() {
			return nil
		}

		for {
			if stop.Stopped() {
				return nil
			}
			start := env.now()

			frame, err := cam.Capture(ctx)
			if stop.Stopped() {
				return nil
			}
			if err != nil {
				return processor.Wrap("capture", err)
			}

			res, err := env.Detector.Detect(ctx, processor.DetectRequest{
				Model:      env.DetectionModel,
				Query:      env.Query,
				OtherColor: env.otherColor(),
				Image:      frame,
			})
			if stop.Stopped() {
				return nil
			}
			if err != nil {
				return processor.Wrap("detect", err)
			}

			name, err := env.Files.Write(storage.KindOriginal, frame.Data, frame.Ext, start, 0)
			if err != nil {
				return fmt.Errorf("saving frame: %w", err)
			}
			origID, err := store.InsertFile(name, storage.KindOriginal, start)
			if err != nil {
				return fmt.Errorf("recording frame: %w", err)
			}
			if stop.Stopped() {
				return nil
			}

			annoID, err := env.saveAnnotated(store, name, res.Annotated)
			if err != nil {
				return err
			}
			captureID, err := store.CreateCompletedCapture(
				uuid.New(), env.DetectionModel, storage.OriginLoop, start,
				storage.DetectionPayload{Objects: res.Objects}, env.now(),
				[]int64{origID, annoID},
			)
			if err != nil {
				return fmt.Errorf("storing loop capture: %w", err)
			}
			log.Debug("loop capture stored", "capture_id", captureID, "file", name, "objects", len(res.Objects))
			if cfg.Captured != nil {
				cfg.Captured(captureID)
			}

			if stop.Sleep(start.Add(cfg.Rate).Sub(env.now())) {
				return nil
			}
		}
	}
}
