package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	ErrDuplicateExternalID = errors.New("duplicate external id")
	ErrDuplicateFile       = errors.New("duplicate file")
	ErrUnknownCapture      = errors.New("unknown capture")
	ErrAlreadyCompleted    = errors.New("capture already completed")

	// ErrStorageUnavailable wraps connection and durability failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Origin records what triggered a capture.
type Origin string

const (
	OriginLoop       Origin = "capture_loop"
	OriginRequest    Origin = "detection_request"
	OriginSimilarity Origin = "similarity_request"
	OriginUnknown    Origin = ""
)

// ParseOrigin maps a stored value to an Origin. Unrecognised values decode to OriginUnknown.
func ParseOrigin(s string) Origin {
	switch o := Origin(s); o {
	case OriginLoop, OriginRequest, OriginSimilarity:
		return o
	default:
		return OriginUnknown
	}
}

// Title is the human readable label for the origin.
func (o Origin) Title() string {
	switch o {
	case OriginLoop:
		return "Capture Loop"
	case OriginRequest:
		return "Detection Request"
	case OriginSimilarity:
		return "Similarity Request"
	default:
		return "Unknown"
	}
}

// LabelClass is the UI icon class used when listing captures of this origin.
func (o Origin) LabelClass() string {
	switch o {
	case OriginLoop:
		return "cog"
	case OriginRequest:
		return "file upload"
	case OriginSimilarity:
		return "balance scale"
	default:
		return "question circle icon"
	}
}

// FileKind distinguishes original inputs from annotated outputs.
type FileKind string

const (
	KindOriginal  FileKind = "orig"
	KindAnnotated FileKind = "anno"
)

func (k FileKind) Valid() bool {
	return k == KindOriginal || k == KindAnnotated
}

// Capture is one unit of work. Result is nil while the capture is in progress.
type Capture struct {
	ID         int64
	ExternalID uuid.UUID
	Model      string
	Origin     Origin
	CreatedAt  time.Time
	Result     *CaptureResult
}

// Completed reports whether a result has been attached.
func (c Capture) Completed() bool {
	return c.Result != nil
}

type CaptureResult struct {
	ID          int64
	CaptureID   int64
	Payload     Payload
	CompletedAt time.Time
}

type File struct {
	ID        int64
	Filename  string
	Kind      FileKind
	CreatedAt time.Time
}
