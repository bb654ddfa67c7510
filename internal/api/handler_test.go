package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/drinkwatch/internal/app"
	"github.com/kalambet/drinkwatch/internal/config"
	"github.com/kalambet/drinkwatch/internal/jobs"
	"github.com/kalambet/drinkwatch/internal/processor"
	"github.com/kalambet/drinkwatch/internal/stock"
	"github.com/kalambet/drinkwatch/internal/storage"
)

const testToken = "test-token-12345"

type stubProcessor struct{}

func (stubProcessor) Detect(_ context.Context, req processor.DetectRequest) (processor.DetectionResult, error) {
	return processor.DetectionResult{
		Objects: []storage.DetectedObject{
			{Label: "a can", Confidence: 0.9, Box: [4]float64{0, 0, 10, 10}},
			{Label: "a bottle", Confidence: 0.6, Box: [4]float64{5, 5, 20, 20}},
		},
		Annotated: processor.Image{Data: []byte("annotated:" + string(req.Image.Data)), Ext: req.Image.Ext},
	}, nil
}

func (stubProcessor) Compare(context.Context, string, processor.Image, processor.Image) (float64, error) {
	return 0.25, nil
}

type stubCamera struct{}

func (stubCamera) Capture(context.Context) (processor.Image, error) {
	return processor.Image{Data: []byte("frame"), Ext: ".png"}, nil
}

func (stubCamera) Close() error { return nil }

const stockYAML = `
- name: Cola Can
  query: a can
  color: red
  categories: [soda, aluminium]
- name: Water Bottle
  query: a bottle
  color: blue
  categories: [water, plastic]
`

func setupHandler(t *testing.T, token string) (http.Handler, *app.App) {
	t.Helper()
	cat, err := stock.Parse([]byte(stockYAML))
	if err != nil {
		t.Fatalf("stock.Parse: %v", err)
	}
	cfg := config.Config{
		Storage:   config.StorageConfig{DataDir: t.TempDir()},
		Capture:   config.CaptureConfig{Rate: 1},
		Models:    config.ModelsConfig{Detection: "det", Similarity: "sim"},
		Processor: config.ProcessorConfig{Workers: 2},
		Feed:      config.FeedConfig{UpdateInterval: 60},
	}
	a, err := app.New(cfg, app.Deps{
		Detector:   stubProcessor{},
		Comparer:   stubProcessor{},
		OpenCamera: func() (processor.Camera, error) { return stubCamera{}, nil },
		Catalog:    cat,
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return NewHandler(a, token), a
}

type part struct {
	field, mime string
	data        []byte
}

func multipartReq(t *testing.T, url, token string, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="upload"`, p.field))
		h.Set("Content-Type", p.mime)
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(p.data)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// drain waits for every queued job to finish.
func drain(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Executor.Shutdown(ctx); err != nil {
		t.Fatalf("draining jobs: %v", err)
	}
}

func submitDetection(t *testing.T, h http.Handler, data string) accepted {
	t.Helper()
	rr := do(h, multipartReq(t, "/detection_request", "", part{"image", "image/png", []byte(data)}))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	var resp accepted
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	h, _ := setupHandler(t, "")
	rr := do(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rr.Code, rr.Body.String())
	}
}

func TestFeed_EmptyIsNotFound(t *testing.T) {
	h, _ := setupHandler(t, "")
	rr := do(h, httptest.NewRequest(http.MethodGet, "/feed", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	var body map[string]map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["error"]["type"] != "not_found" {
		t.Errorf("error body = %v", body)
	}
}

func TestDetectionRequest_Lifecycle(t *testing.T) {
	h, a := setupHandler(t, "")

	resp := submitDetection(t, h, "pixels")
	if resp.Status != "accepted" || resp.ExternalID == uuid.Nil || resp.ID == 0 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Events != "/feed/sse/"+resp.ExternalID.String() {
		t.Errorf("events = %q", resp.Events)
	}
	drain(t, a)

	rr := do(h, httptest.NewRequest(http.MethodGet, "/captures/"+resp.ExternalID.String(), nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET capture = %d: %s", rr.Code, rr.Body.String())
	}
	var v CaptureView
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding capture: %v", err)
	}
	if v.Status != statusCompleted || v.Origin != string(storage.OriginRequest) || v.Title != "Detection Request" {
		t.Errorf("capture = %+v", v)
	}
	if v.Result == nil || len(v.Result.Objects) != 2 || v.Counts["a can"] != 1 {
		t.Errorf("result = %+v counts = %v", v.Result, v.Counts)
	}
	if len(v.Images) != 2 || v.Images[1].URL != fmt.Sprintf("/image/%d/0?annotated", v.ID) {
		t.Errorf("images = %+v", v.Images)
	}

	rr = do(h, httptest.NewRequest(http.MethodGet, "/feed", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /feed = %d", rr.Code)
	}
	var feed CaptureView
	json.NewDecoder(rr.Body).Decode(&feed)
	if feed.ExternalID != resp.ExternalID {
		t.Errorf("feed = %s, want %s", feed.ExternalID, resp.ExternalID)
	}
}

func TestDetectionRequest_BadInput(t *testing.T) {
	h, _ := setupHandler(t, "")
	tests := []struct {
		name  string
		parts []part
	}{
		{"missing field", []part{{"other", "image/png", []byte("x")}}},
		{"empty file", []part{{"image", "image/png", nil}}},
		{"unknown type", []part{{"image", "application/x-nothing", []byte("x")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(h, multipartReq(t, "/detection_request", "", tt.parts...))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/detection_request", strings.NewReader("not a form"))
	if rr := do(h, req); rr.Code != http.StatusBadRequest {
		t.Errorf("non-multipart status = %d, want 400", rr.Code)
	}
}

func TestCapture_InvalidAndUnknownID(t *testing.T) {
	h, _ := setupHandler(t, "")
	if rr := do(h, httptest.NewRequest(http.MethodGet, "/captures/not-a-uuid", nil)); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", rr.Code)
	}
	if rr := do(h, httptest.NewRequest(http.MethodGet, "/captures/"+uuid.NewString(), nil)); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rr.Code)
	}
}

func TestImage_ServesOriginalAndAnnotated(t *testing.T) {
	h, a := setupHandler(t, "")
	resp := submitDetection(t, h, "pixels")
	drain(t, a)

	tests := []struct {
		url  string
		code int
		body string
	}{
		{fmt.Sprintf("/image/%d", resp.ID), http.StatusOK, "pixels"},
		{fmt.Sprintf("/image/%d/0", resp.ID), http.StatusOK, "pixels"},
		{fmt.Sprintf("/image/%d/0?annotated", resp.ID), http.StatusOK, "annotated:pixels"},
		{fmt.Sprintf("/image/%d/1", resp.ID), http.StatusNotFound, ""},
		{"/image/999", http.StatusNotFound, ""},
		{"/image/abc", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			rr := do(h, httptest.NewRequest(http.MethodGet, tt.url, nil))
			if rr.Code != tt.code {
				t.Fatalf("status = %d, want %d", rr.Code, tt.code)
			}
			if tt.body != "" && rr.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.body)
			}
		})
	}
}

func TestHistory_LimitAndOrigin(t *testing.T) {
	h, a := setupHandler(t, "")
	for i := range 3 {
		submitDetection(t, h, fmt.Sprintf("image-%d", i))
		// Uploads are named by millisecond; keep them apart.
		time.Sleep(2 * time.Millisecond)
	}
	drain(t, a)

	var views []CaptureView
	rr := do(h, httptest.NewRequest(http.MethodGet, "/history?limit=2", nil))
	json.NewDecoder(rr.Body).Decode(&views)
	if len(views) != 2 {
		t.Fatalf("got %d captures, want 2", len(views))
	}
	if views[0].ID < views[1].ID {
		t.Errorf("history not newest first: %d before %d", views[0].ID, views[1].ID)
	}

	rr = do(h, httptest.NewRequest(http.MethodGet, "/history?origin=similarity_request", nil))
	views = nil
	json.NewDecoder(rr.Body).Decode(&views)
	if rr.Code != http.StatusOK || len(views) != 0 {
		t.Errorf("similarity history = %d %+v", rr.Code, views)
	}

	if rr := do(h, httptest.NewRequest(http.MethodGet, "/history?origin=bogus", nil)); rr.Code != http.StatusBadRequest {
		t.Errorf("bogus origin status = %d, want 400", rr.Code)
	}
}

func TestCaptureLoop_OnOff(t *testing.T) {
	h, a := setupHandler(t, "")
	put := func(path string) int {
		return do(h, httptest.NewRequest(http.MethodPut, path, nil)).Code
	}

	if code := put("/capture_loop/off"); code != http.StatusConflict {
		t.Errorf("off while stopped = %d, want 409", code)
	}
	if code := put("/capture_loop/on"); code != http.StatusOK {
		t.Fatalf("on = %d, want 200", code)
	}
	if code := put("/capture_loop/on"); code != http.StatusConflict {
		t.Errorf("on while running = %d, want 409", code)
	}

	rr := do(h, httptest.NewRequest(http.MethodGet, "/capture_loop", nil))
	var st loopStatus
	json.NewDecoder(rr.Body).Decode(&st)
	if !st.Running {
		t.Error("status reports loop stopped")
	}

	loop := a.Executor.Loop()
	if code := put("/capture_loop/off"); code != http.StatusOK {
		t.Fatalf("off = %d, want 200", code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := loop.Wait(ctx); err != nil {
		t.Fatalf("loop ended with %v", err)
	}
}

func TestStateChangingRoutesRequireToken(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := do(h, multipartReq(t, "/detection_request", "", part{"image", "image/png", []byte("x")}))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rr.Code)
	}
	rr = do(h, multipartReq(t, "/detection_request", testToken, part{"image", "image/png", []byte("x")}))
	if rr.Code != http.StatusAccepted {
		t.Errorf("with token = %d, want 202: %s", rr.Code, rr.Body.String())
	}
	if rr := do(h, httptest.NewRequest(http.MethodPut, "/capture_loop/on", nil)); rr.Code != http.StatusUnauthorized {
		t.Errorf("loop without token = %d, want 401", rr.Code)
	}
	if rr := do(h, httptest.NewRequest(http.MethodGet, "/history", nil)); rr.Code != http.StatusOK {
		t.Errorf("reads must stay open, got %d", rr.Code)
	}
}

func TestStock(t *testing.T) {
	h, a := setupHandler(t, "")
	submitDetection(t, h, "shelf")
	drain(t, a)

	var s stock.Summary
	rr := do(h, httptest.NewRequest(http.MethodGet, "/stock", nil))
	if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
		t.Fatalf("decoding stock: %v", err)
	}
	if s.Total != 2 || len(s.Rows) != 2 {
		t.Errorf("stock = %+v", s)
	}

	s = stock.Summary{}
	rr = do(h, httptest.NewRequest(http.MethodGet, "/stock/search?q=water", nil))
	json.NewDecoder(rr.Body).Decode(&s)
	if len(s.Rows) != 1 || s.Rows[0].Title != "Water Bottle" {
		t.Errorf("search rows = %+v", s.Rows)
	}
	if len(s.Categories) != 4 {
		t.Errorf("categories = %v, want all four", s.Categories)
	}
}

func TestStream_RequiresAccept(t *testing.T) {
	h, _ := setupHandler(t, "")
	rr := do(h, httptest.NewRequest(http.MethodGet, "/feed/sse", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/feed/sse/nope", nil)
	req.Header.Set("Accept", "text/event-stream")
	if rr := do(h, req); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid target status = %d, want 400", rr.Code)
	}
}

func TestStream_SimilarityScoreReachesRequester(t *testing.T) {
	h, a := setupHandler(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	// Hold the only worker so the stream is open before the score is published.
	a.Executor = jobs.New(1, nil)
	release := make(chan struct{})
	a.Executor.Submit("hold", func(context.Context) (any, error) {
		<-release
		return nil, nil
	})

	rr := do(h, multipartReq(t, "/similarity_request", "",
		part{"image_1", "image/jpeg", []byte("one")},
		part{"image_2", "image/jpeg", []byte("two")},
	))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("similarity status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp accepted
	json.NewDecoder(rr.Body).Decode(&resp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+resp.Events, nil)
	req.Header.Set("Accept", "text/event-stream")
	sresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	defer sresp.Body.Close()
	if ct := sresp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	for a.Broker.Len() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("stream never subscribed")
		case <-time.After(time.Millisecond):
		}
	}
	close(release)

	got := readEvent(t, sresp.Body)
	if got["event"] != app.SimilarityEvent || got["data"] != "25.0%" {
		t.Errorf("event = %v", got)
	}
}

// readEvent reads one event-stream message into a field map.
func readEvent(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	fields := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(fields) > 0 {
				return fields
			}
			continue
		}
		k, v, _ := strings.Cut(line, ":")
		fields[k] = strings.TrimPrefix(v, " ")
	}
	t.Fatalf("stream ended before an event: %v", sc.Err())
	return nil
}
