package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrPayloadMismatch is returned when a payload variant does not fit the capture origin.
var ErrPayloadMismatch = errors.New("payload does not match capture origin")

// Payload is the result attached to a completed capture. The concrete type is
// decided by the capture's Origin: DetectionPayload for loop and request
// captures, SimilarityPayload for similarity captures, UnknownPayload otherwise.
type Payload interface {
	payload()
}

// DetectedObject is one detection with its bounding box (x1, y1, x2, y2).
type DetectedObject struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

type DetectionPayload struct {
	Objects []DetectedObject
}

type SimilarityPayload struct {
	Score float64
}

// UnknownPayload keeps the stored JSON of captures whose origin is not recognised.
type UnknownPayload struct {
	Raw json.RawMessage
}

func (DetectionPayload) payload()  {}
func (SimilarityPayload) payload() {}
func (UnknownPayload) payload()    {}

// ObjectCounts returns the number of detections per label.
func (p DetectionPayload) ObjectCounts() map[string]int {
	counts := make(map[string]int)
	for _, o := range p.Objects {
		counts[o.Label]++
	}
	return counts
}

// Detection payloads are stored column-wise, the shape the detection model emits.
type detectionColumns struct {
	Labels []string     `json:"labels"`
	Scores []float64    `json:"scores"`
	Boxes  [][4]float64 `json:"boxes"`
}

type similarityRecord struct {
	Similarity float64 `json:"similarity"`
}

func encodePayload(p Payload) (string, error) {
	var v any
	switch p := p.(type) {
	case DetectionPayload:
		cols := detectionColumns{
			Labels: make([]string, 0, len(p.Objects)),
			Scores: make([]float64, 0, len(p.Objects)),
			Boxes:  make([][4]float64, 0, len(p.Objects)),
		}
		for _, o := range p.Objects {
			cols.Labels = append(cols.Labels, o.Label)
			cols.Scores = append(cols.Scores, o.Confidence)
			cols.Boxes = append(cols.Boxes, o.Box)
		}
		v = cols
	case SimilarityPayload:
		v = similarityRecord{Similarity: p.Score}
	case UnknownPayload:
		if len(p.Raw) == 0 {
			return "null", nil
		}
		return string(p.Raw), nil
	case nil:
		return "", fmt.Errorf("encoding payload: nil payload")
	default:
		return "", fmt.Errorf("encoding payload: unsupported type %T", p)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return string(b), nil
}

// decodePayload interprets stored JSON according to the capture origin.
// Missing scores or boxes decode as zero values rather than errors.
func decodePayload(origin Origin, raw string) (Payload, error) {
	switch origin {
	case OriginLoop, OriginRequest:
		var cols detectionColumns
		if err := json.Unmarshal([]byte(raw), &cols); err != nil {
			return nil, fmt.Errorf("decoding detection payload: %w", err)
		}
		objects := make([]DetectedObject, len(cols.Labels))
		for i, label := range cols.Labels {
			objects[i].Label = label
			if i < len(cols.Scores) {
				objects[i].Confidence = cols.Scores[i]
			}
			if i < len(cols.Boxes) {
				objects[i].Box = cols.Boxes[i]
			}
		}
		sort.SliceStable(objects, func(i, j int) bool {
			return objects[i].Confidence > objects[j].Confidence
		})
		return DetectionPayload{Objects: objects}, nil
	case OriginSimilarity:
		var rec similarityRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decoding similarity payload: %w", err)
		}
		return SimilarityPayload{Score: rec.Similarity}, nil
	default:
		return UnknownPayload{Raw: json.RawMessage(raw)}, nil
	}
}

func payloadFits(origin Origin, p Payload) bool {
	switch p.(type) {
	case DetectionPayload:
		return origin == OriginLoop || origin == OriginRequest
	case SimilarityPayload:
		return origin == OriginSimilarity
	case UnknownPayload:
		return true
	default:
		return false
	}
}
