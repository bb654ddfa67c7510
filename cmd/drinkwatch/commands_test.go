package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/kalambet/drinkwatch/internal/api"
	"github.com/kalambet/drinkwatch/internal/config"
	"github.com/kalambet/drinkwatch/internal/stream"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestSetLoop(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /capture_loop/on": `{"running":true,"status":"started"}`,
	})

	st, err := setLoop(ctx, ts.client(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Running || st.Status != "started" {
		t.Errorf("state = %+v", st)
	}

	r := ts.requests[0]
	if r.Method != "PUT" || r.Path != "/capture_loop/on" {
		t.Errorf("request = %s %s, want PUT /capture_loop/on", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestSetLoop_Conflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"capture loop: no capture loop running","type":"conflict"}}`))
	}))
	defer ts.Close()

	_, err := setLoop(ctx, &apiClient{baseURL: ts.URL, httpClient: ts.Client()}, false)
	if err == nil {
		t.Fatal("expected error for 409")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "no capture loop running") {
		t.Errorf("error = %q, want status and message", err)
	}
}

func TestUpload_Multipart(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "one.png")
	second := filepath.Join(dir, "two.jpg")
	os.WriteFile(first, []byte("png-bytes"), 0o644)
	os.WriteFile(second, []byte("jpg-bytes"), 0o644)

	type part struct{ field, ctype, body string }
	var got []part
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("not multipart: %v", err)
			return
		}
		for {
			p, err := mr.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(p)
			got = append(got, part{p.FormName(), p.Header.Get("Content-Type"), string(data)})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"id":1,"external_id":"x","events":"/feed/sse/x"}`)
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	resp, err := client.upload(ctx, "/similarity_request", imageField{"image_1", first}, imageField{"image_2", second})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var acc acceptedResponse
	if err := decodeJSON(resp, &acc); err != nil {
		t.Fatalf("decode: %v", err)
	}

	want := []part{{"image_1", "image/png", "png-bytes"}, {"image_2", "image/jpeg", "jpg-bytes"}}
	if len(got) != len(want) {
		t.Fatalf("got %d parts, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestUpload_MissingFile(t *testing.T) {
	client := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: http.DefaultClient}
	if _, err := client.upload(ctx, "/detection_request", imageField{"image", "/does/not/exist.png"}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAwaitScore_FromStream(t *testing.T) {
	id := uuid.NewString()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/feed/sse/" + id:
			if r.Header.Get("Accept") != stream.ContentType {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", stream.ContentType)
			w.Write(stream.Message{Data: `{"id":3}`, ID: "3"}.Encode())
			w.Write(stream.Message{Data: "87.7%", Event: "similarity"}.Encode())
		case "/captures/" + id:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":1,"external_id":%q,"status":"in_progress"}`, id)
		}
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	score, err := awaitScore(ctx, client, acceptedResponse{ExternalID: id, Events: "/feed/sse/" + id})
	if err != nil {
		t.Fatalf("awaitScore: %v", err)
	}
	if score != "87.7%" {
		t.Errorf("score = %q, want 87.7%%", score)
	}
}

func TestAwaitScore_AlreadyCompleted(t *testing.T) {
	id := uuid.NewString()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/feed/sse/" + id:
			w.Header().Set("Content-Type", stream.ContentType)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		case "/captures/" + id:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":1,"external_id":%q,"status":"completed","result":{"similarity":0.5}}`, id)
		}
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	score, err := awaitScore(ctx, client, acceptedResponse{ExternalID: id, Events: "/feed/sse/" + id})
	if err != nil {
		t.Fatalf("awaitScore: %v", err)
	}
	if score != "50.0%" {
		t.Errorf("score = %q, want 50.0%%", score)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestReportServer(t *testing.T) {
	var buf bytes.Buffer
	oldOut, oldColor := out, noColor
	out, noColor = &buf, true
	defer func() { out, noColor = oldOut, oldColor }()

	ts := newTestServer(t, map[string]string{
		"GET /health":       `{"status":"ok"}`,
		"GET /capture_loop": `{"running":true}`,
	})
	if !reportServer(ctx, ts.client(), "127.0.0.1:8080") {
		t.Fatal("reportServer reported a stopped server")
	}
	if !strings.Contains(buf.String(), "Capture loop: on") {
		t.Errorf("output = %q, want loop state", buf.String())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}
	resp, err := client.put(ctx, "/capture_loop/on")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if err.Error() != "server returned 401: unauthorized" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /feed": `{}`})
	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/feed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:8080": "http://127.0.0.1:8080",
		"0.0.0.0:9000":   "http://127.0.0.1:9000",
		":8080":          "http://127.0.0.1:8080",
		"[::]:8080":      "http://127.0.0.1:8080",
		"drinks.lan:80":  "http://drinks.lan:80",
	}
	for addr, want := range tests {
		if got := baseURL(addr); got != want {
			t.Errorf("baseURL(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestHistoryLine(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	score := 0.25
	ext := uuid.MustParse("12345678-0000-0000-0000-000000000000")
	tests := []struct {
		view api.CaptureView
		want string
	}{
		{api.CaptureView{ExternalID: ext, Title: "Detection Request"}, "no result"},
		{api.CaptureView{ExternalID: ext, Result: &api.ResultView{Similarity: &score}}, "similarity 25.0%"},
		{api.CaptureView{ExternalID: ext, Result: &api.ResultView{}, Counts: map[string]int{"a can": 2, "a bottle": 1}}, "1× a bottle, 2× a can"},
		{api.CaptureView{ExternalID: ext, Result: &api.ResultView{}}, "nothing detected"},
	}
	for _, tt := range tests {
		line := historyLine(tt.view)
		if !strings.HasPrefix(line, "12345678") || !strings.HasSuffix(line, tt.want) {
			t.Errorf("historyLine = %q, want suffix %q", line, tt.want)
		}
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Addr = "0.0.0.0:4000"
	cfg.Server.Token = "hidden"

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.addr" && k.Value == "0.0.0.0:4000" {
			found = true
		}
		if k.Value == "hidden" {
			t.Errorf("secret shown under %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.addr=0.0.0.0:4000 in ShowAll output")
	}
}

func TestCommand_ArgValidation(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	tests := [][]string{
		{"detect"},
		{"similar", "one.png"},
		{"show"},
		{"watch", "--target", "not-a-uuid"},
		{"config", "unset"},
	}
	for _, args := range tests {
		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestPIDFile_Claim(t *testing.T) {
	pf := pidFileIn(filepath.Join(t.TempDir(), "nested"))
	if err := pf.claim(); err != nil {
		t.Fatalf("claim: %v", err)
	}
	pid, err := pf.read()
	if err != nil || pid != os.Getpid() {
		t.Errorf("read = %d, %v; want %d", pid, err, os.Getpid())
	}

	if err := pf.claim(); !errors.Is(err, errAlreadyRunning) {
		t.Errorf("second claim = %v, want errAlreadyRunning", err)
	}

	pf.release()
	if _, err := pf.read(); err == nil {
		t.Error("PID file still present after release")
	}
}

func TestPIDFile_StaleReplaced(t *testing.T) {
	pf := pidFileIn(t.TempDir())
	// Far above any pid_max, so no such process exists.
	if err := os.WriteFile(string(pf), []byte("2147483646\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := pf.claim(); err != nil {
		t.Fatalf("claim over stale file: %v", err)
	}
	defer pf.release()
	if pid, _ := pf.read(); pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "loud": "INFO"}
	for in, want := range tests {
		if got := logLevel(in).String(); got != want {
			t.Errorf("logLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		msg  stream.Message
		want string
	}{
		{stream.Message{Data: `{"id":7,"external_id":"5b0e7d3c-2c1a-4b7e-9a52-0c1d2e3f4a5b","origin":"capture_loop"}`},
			"capture 7  Capture Loop  5b0e7d3c-2c1a-4b7e-9a52-0c1d2e3f4a5b"},
		{stream.Message{Data: "not json"}, "not json"},
		{stream.Message{Event: "similarity", Data: "12.5%"}, "score 12.5%"},
		{stream.Message{Event: "other", Data: "x"}, "x"},
	}
	for _, tt := range tests {
		if got := summarize(tt.msg); got != tt.want {
			t.Errorf("summarize(%+v) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestWatchModel_EventsAndFilter(t *testing.T) {
	events := make(chan tea.Msg)
	var model tea.Model = newWatchModel("/feed/sse", events)

	model, _ = model.Update(streamOpenedMsg{})
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	model, _ = model.Update(streamEventMsg{msg: stream.Message{Data: `{"id":1,"origin":"capture_loop"}`}, at: at})
	model, cmd := model.Update(streamEventMsg{msg: stream.Message{Event: "similarity", Data: "40.0%"}, at: at})
	if cmd == nil {
		t.Error("event handling must keep reading the stream")
	}

	m := model.(watchModel)
	if !m.connected || len(m.entries) != 2 {
		t.Fatalf("model = connected %v, %d entries", m.connected, len(m.entries))
	}
	if m.entries[0].event != "similarity" {
		t.Errorf("newest entry = %q, want similarity", m.entries[0].event)
	}
	if !strings.Contains(m.View(), "● connected") {
		t.Errorf("view missing connected state:\n%s", m.View())
	}

	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'/'}})
	for _, r := range "score" {
		model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = model.(watchModel)
	if m.filter.Focused() {
		t.Error("enter should leave the filter")
	}
	if got := m.visible(); len(got) != 1 || got[0].summary != "score 40.0%" {
		t.Errorf("filtered entries = %+v", got)
	}

	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	if n := len(model.(watchModel).entries); n != 0 {
		t.Errorf("clear left %d entries", n)
	}
}

func TestWatchModel_Closed(t *testing.T) {
	var model tea.Model = newWatchModel("/feed/sse", nil)
	model, _ = model.Update(streamClosedMsg{err: fmt.Errorf("server not reachable")})
	m := model.(watchModel)
	if !m.closed || !strings.Contains(m.View(), "disconnected: server not reachable") {
		t.Errorf("view:\n%s", m.View())
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should return tea.Quit")
	}
}
