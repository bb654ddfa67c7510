package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/drinkwatch/internal/app"
	"github.com/kalambet/drinkwatch/internal/files"
	"github.com/kalambet/drinkwatch/internal/metrics"
	"github.com/kalambet/drinkwatch/internal/storage"
	"github.com/kalambet/drinkwatch/internal/stream"
)

const (
	maxUploadSize = 32 << 20 // 32MB for both similarity images together

	// PageSize is the default number of captures returned by /history.
	PageSize    = 10
	maxPageSize = 100
)

// NewHandler returns the HTTP surface of a running App. Routes that change
// state (requests and loop control) require token when it is not empty.
func NewHandler(a *app.App, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware())

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/feed", handleFeed(a))
	r.Get("/feed/sse", handleStream(a))
	r.Get("/feed/sse/{target}", handleStream(a))
	r.Get("/history", handleHistory(a))
	r.Get("/captures/{externalID}", handleGetCapture(a))
	r.Get("/image/{run}", handleImage(a))
	r.Get("/image/{run}/{ind}", handleImage(a))
	r.Get("/stock", handleStock(a))
	r.Get("/stock/search", handleStock(a))
	r.Get("/capture_loop", handleLoopStatus(a))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))
		r.Post("/detection_request", handleDetectionRequest(a))
		r.Post("/similarity_request", handleSimilarityRequest(a))
		r.Put("/capture_loop/on", handleLoopOn(a))
		r.Put("/capture_loop/off", handleLoopOff(a))
	})

	return r
}

func handleFeed(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := a.Store.LatestCompletedCapture()
		if err != nil {
			failWith(w, err, "latest capture")
			return
		}
		if c == nil {
			httpError(w, http.StatusNotFound, "not_found", "no completed captures yet")
			return
		}
		fs, err := a.Store.CaptureFiles(c.ID)
		if err != nil {
			failWith(w, err, "capture files")
			return
		}
		writeJSON(w, http.StatusOK, withImages(captureView(*c), fs))
	}
}

func handleHistory(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", PageSize, maxPageSize)

		var origins []storage.Origin
		for _, o := range r.URL.Query()["origin"] {
			origin := storage.ParseOrigin(o)
			if origin == storage.OriginUnknown {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown origin %q", o)
				return
			}
			origins = append(origins, origin)
		}

		captures, err := a.Store.ListCompletedCaptures(limit, origins...)
		if err != nil {
			failWith(w, err, "history")
			return
		}
		views := make([]CaptureView, 0, len(captures))
		for _, c := range captures {
			views = append(views, captureView(c))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetCapture(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ext, err := uuid.Parse(chi.URLParam(r, "externalID"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid capture id: %v", err)
			return
		}
		c, err := a.Store.GetCaptureByExternalID(ext)
		if err != nil {
			failWith(w, err, "capture")
			return
		}
		fs, err := a.Store.CaptureFiles(c.ID)
		if err != nil {
			failWith(w, err, "capture files")
			return
		}
		writeJSON(w, http.StatusOK, withImages(captureView(c), fs))
	}
}

func handleImage(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := strconv.ParseInt(chi.URLParam(r, "run"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid capture id")
			return
		}
		ind := 0
		if s := chi.URLParam(r, "ind"); s != "" {
			if ind, err = strconv.Atoi(s); err != nil || ind < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid image index")
				return
			}
		}
		_, annotated := r.URL.Query()["annotated"]

		path, err := a.ImagePath(run, ind, annotated)
		if err != nil {
			failWith(w, err, "image")
			return
		}
		http.ServeFile(w, r, path)
	}
}

func handleStream(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := uuid.Nil
		if s := chi.URLParam(r, "target"); s != "" {
			var err error
			if target, err = uuid.Parse(s); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid target: %v", err)
				return
			}
		}
		stream.Serve(w, r, a.Broker, target, a.ShutdownSignal())
	}
}

// accepted is the 202 body of a queued request.
type accepted struct {
	ID         int64     `json:"id"`
	ExternalID uuid.UUID `json:"external_id"`
	Status     string    `json:"status"`
	Events     string    `json:"events"`
}

func acceptedBody(s app.Submission) accepted {
	return accepted{
		ID:         s.CaptureID,
		ExternalID: s.ExternalID,
		Status:     "accepted",
		Events:     "/feed/sse/" + s.ExternalID.String(),
	}
}

func handleDetectionRequest(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploads, ok := readUploads(w, r, "image")
		if !ok {
			return
		}
		defer closeUploads(uploads)

		s, err := a.SubmitDetection(uploads[0].Upload)
		if err != nil {
			failWith(w, err, "detection request")
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedBody(s))
	}
}

func handleSimilarityRequest(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploads, ok := readUploads(w, r, "image_1", "image_2")
		if !ok {
			return
		}
		defer closeUploads(uploads)

		s, err := a.SubmitSimilarity(uploads[0].Upload, uploads[1].Upload)
		if err != nil {
			failWith(w, err, "similarity request")
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedBody(s))
	}
}

type formUpload struct {
	app.Upload
	close func() error
}

// readUploads opens the named multipart file fields. On failure it writes
// the error response and returns false.
func readUploads(w http.ResponseWriter, r *http.Request, fields ...string) ([]formUpload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", tooLarge.Limit)
			return nil, false
		}
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
		return nil, false
	}

	uploads := make([]formUpload, 0, len(fields))
	for _, field := range fields {
		f, hdr, err := r.FormFile(field)
		if err != nil {
			closeUploads(uploads)
			httpError(w, http.StatusBadRequest, "invalid_request_error", "missing file field %q", field)
			return nil, false
		}
		if hdr.Size == 0 {
			f.Close()
			closeUploads(uploads)
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field %q is empty", field)
			return nil, false
		}
		ext, err := files.ExtensionFor(hdr.Header.Get("Content-Type"))
		if err != nil {
			f.Close()
			closeUploads(uploads)
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field %q: %v", field, err)
			return nil, false
		}
		uploads = append(uploads, formUpload{Upload: app.Upload{Body: f, Ext: ext}, close: f.Close})
	}
	return uploads, true
}

func closeUploads(uploads []formUpload) {
	for _, u := range uploads {
		if err := u.close(); err != nil {
			slog.Debug("closing upload", "error", err)
		}
	}
}

type loopStatus struct {
	Running bool   `json:"running"`
	Status  string `json:"status,omitempty"`
}

func handleLoopStatus(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, loopStatus{Running: a.LoopRunning()})
	}
}

func handleLoopOn(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.StartLoop(); err != nil {
			failWith(w, err, "capture loop")
			return
		}
		writeJSON(w, http.StatusOK, loopStatus{Running: true, Status: "started"})
	}
}

func handleLoopOff(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.StopLoop(); err != nil {
			failWith(w, err, "capture loop")
			return
		}
		writeJSON(w, http.StatusOK, loopStatus{Running: a.LoopRunning(), Status: "stopping"})
	}
}

func handleStock(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		s, err := a.StockSummary(q)
		if err != nil {
			failWith(w, err, "stock")
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}
