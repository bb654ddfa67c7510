// Package processor holds the collaborators the capture pipeline treats as
// black boxes: the detection and similarity models, and the camera.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/drinkwatch/internal/storage"
)

// ProcessingError wraps any failure raised by a processing collaborator.
type ProcessingError struct {
	Op  string
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s: %v", e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Wrap tags err as a ProcessingError for op. Nil stays nil and errors that
// already carry a ProcessingError are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return err
	}
	return &ProcessingError{Op: op, Err: err}
}

// Image is an encoded image together with its file extension (".png", ".jpg").
type Image struct {
	Data []byte
	Ext  string
}

// QueryItem is one object class the detector is asked to find, and the
// colour its boxes are drawn in on the annotated image.
type QueryItem struct {
	Label string `msgpack:"label"`
	Color string `msgpack:"color"`
}

// DetectRequest describes one detection run.
type DetectRequest struct {
	Model      string
	Query      []QueryItem
	OtherColor string
	Image      Image
}

// DetectionResult is the detector's output: the detected objects and the
// input image with boxes drawn on it.
type DetectionResult struct {
	Objects   []storage.DetectedObject
	Annotated Image
}

// Detector runs object detection. Latency is unbounded; implementations
// must honour ctx cancellation where they can.
type Detector interface {
	Detect(ctx context.Context, req DetectRequest) (DetectionResult, error)
}

// Comparer scores the visual similarity of two images in [-1, 1].
type Comparer interface {
	Compare(ctx context.Context, model string, a, b Image) (float64, error)
}

// Camera grabs single frames from a capture device.
type Camera interface {
	Capture(ctx context.Context) (Image, error)
	Close() error
}

// Backend is a model host that can report and load models.
type Backend interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	LoadModel(ctx context.Context, name string, onProgress func(LoadProgress)) error
}

// LoadProgress reports progress of a model download or load.
type LoadProgress struct {
	Status    string `msgpack:"status"`
	Total     int64  `msgpack:"total"`
	Completed int64  `msgpack:"completed"`
}
