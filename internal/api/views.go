package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/drinkwatch/internal/storage"
)

// CaptureView is the JSON shape of a capture.
type CaptureView struct {
	ID          int64           `json:"id"`
	ExternalID  uuid.UUID       `json:"external_id"`
	Model       string          `json:"model"`
	Origin      string          `json:"origin"`
	Title       string          `json:"title"`
	LabelClass  string          `json:"label_class"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      *ResultView     `json:"result,omitempty"`
	Images      []ImageView     `json:"images,omitempty"`
	Counts      map[string]int  `json:"counts,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// ResultView carries whichever result variant the capture has.
type ResultView struct {
	Objects    []storage.DetectedObject `json:"objects,omitempty"`
	Similarity *float64                 `json:"similarity,omitempty"`
}

type ImageView struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

const (
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
)

func captureView(c storage.Capture) CaptureView {
	v := CaptureView{
		ID:         c.ID,
		ExternalID: c.ExternalID,
		Model:      c.Model,
		Origin:     string(c.Origin),
		Title:      c.Origin.Title(),
		LabelClass: c.Origin.LabelClass(),
		Status:     statusInProgress,
		CreatedAt:  c.CreatedAt,
	}
	if c.Result == nil {
		return v
	}

	v.Status = statusCompleted
	completed := c.Result.CompletedAt
	v.CompletedAt = &completed
	switch p := c.Result.Payload.(type) {
	case storage.DetectionPayload:
		v.Result = &ResultView{Objects: p.Objects}
		v.Counts = p.ObjectCounts()
	case storage.SimilarityPayload:
		score := p.Score
		v.Result = &ResultView{Similarity: &score}
	case storage.UnknownPayload:
		v.Raw = p.Raw
	}
	return v
}

// withImages adds links to the capture's stored images.
func withImages(v CaptureView, fs []storage.File) CaptureView {
	counts := map[storage.FileKind]int{}
	for _, f := range fs {
		ind := counts[f.Kind]
		counts[f.Kind]++
		url := fmt.Sprintf("/image/%d/%d", v.ID, ind)
		if f.Kind == storage.KindAnnotated {
			url += "?annotated"
		}
		v.Images = append(v.Images, ImageView{Kind: string(f.Kind), URL: url})
	}
	return v
}
