package processor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/drinkwatch/internal/storage"
)

var errWorkerAborted = errors.New("model worker aborted mid-request")

// WorkerConfig describes how to spawn a model worker process.
type WorkerConfig struct {
	// Command is the worker entry point, typically a script that activates
	// a Python environment and runs the inference server.
	Command string
	Args    []string
	Logger  *slog.Logger
}

// Worker talks to one model worker process over its stdin/stdout. Requests
// are serialised: the worker handles one at a time.
type Worker struct {
	logger *slog.Logger

	mu     sync.Mutex
	in     io.WriteCloser
	out    io.Reader
	broken error

	cmd    *exec.Cmd
	exited chan struct{}
}

// StartWorker spawns the worker process. The process is killed when ctx is cancelled.
func StartWorker(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %s: %w", cfg.Command, err)
	}

	w := newWorker(bufio.NewReader(stdout), stdin, logger)
	w.cmd = cmd
	w.exited = make(chan struct{})

	go w.logStderr(stderr)
	go func() {
		defer close(w.exited)
		err := cmd.Wait()
		if ctx.Err() != nil {
			logger.Debug("model worker stopped", "pid", cmd.Process.Pid)
			return
		}
		logger.Error("model worker exited", "pid", cmd.Process.Pid, "error", err)
		w.markBroken(fmt.Errorf("model worker exited: %v", err))
	}()

	logger.Info("model worker started", "command", cfg.Command, "pid", cmd.Process.Pid)
	return w, nil
}

func newWorker(out io.Reader, in io.WriteCloser, logger *slog.Logger) *Worker {
	return &Worker{logger: logger, in: in, out: out}
}

// Broken reports whether the worker can no longer serve requests.
func (w *Worker) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken != nil
}

func (w *Worker) markBroken(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken == nil {
		w.broken = err
	}
}

// call sends req and waits for the final response. Progress frames are
// passed to onProgress. A cancelled ctx leaves the stream mid-message, so
// the worker is marked broken and its process killed.
func (w *Worker) call(ctx context.Context, req request, onProgress func(LoadProgress)) (response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return response{}, w.broken
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := writeFrame(w.in, req); err != nil {
			done <- result{err: err}
			return
		}
		for {
			var resp response
			if err := readFrame(w.out, &resp); err != nil {
				done <- result{err: err}
				return
			}
			if resp.Progress != nil && resp.Error == "" {
				if onProgress != nil {
					onProgress(*resp.Progress)
				}
				continue
			}
			done <- result{resp: resp}
			return
		}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			w.broken = r.err
			return response{}, r.err
		}
		if r.resp.Error != "" {
			return response{}, errors.New(r.resp.Error)
		}
		return r.resp, nil
	case <-ctx.Done():
		w.broken = errWorkerAborted
		w.kill()
		return response{}, ctx.Err()
	}
}

func (w *Worker) Detect(ctx context.Context, req DetectRequest) (DetectionResult, error) {
	resp, err := w.call(ctx, request{
		Op:         "detect",
		Model:      req.Model,
		Query:      req.Query,
		OtherColor: req.OtherColor,
		Images:     [][]byte{req.Image.Data},
		Ext:        req.Image.Ext,
	}, nil)
	if err != nil {
		return DetectionResult{}, Wrap("detect", err)
	}

	objects := make([]storage.DetectedObject, len(resp.Labels))
	for i, label := range resp.Labels {
		objects[i].Label = label
		if i < len(resp.Scores) {
			objects[i].Confidence = resp.Scores[i]
		}
		if i < len(resp.Boxes) {
			objects[i].Box = resp.Boxes[i]
		}
	}
	return DetectionResult{
		Objects:   objects,
		Annotated: Image{Data: resp.Annotated, Ext: req.Image.Ext},
	}, nil
}

func (w *Worker) Compare(ctx context.Context, model string, a, b Image) (float64, error) {
	resp, err := w.call(ctx, request{
		Op:     "compare",
		Model:  model,
		Images: [][]byte{a.Data, b.Data},
	}, nil)
	if err != nil {
		return 0, Wrap("compare", err)
	}
	return resp.Similarity, nil
}

func (w *Worker) IsRunning(ctx context.Context) bool {
	_, err := w.call(ctx, request{Op: "ping"}, nil)
	return err == nil
}

func (w *Worker) HasModel(ctx context.Context, name string) bool {
	resp, err := w.call(ctx, request{Op: "ping"}, nil)
	if err != nil {
		return false
	}
	return slices.Contains(resp.Models, name)
}

func (w *Worker) LoadModel(ctx context.Context, name string, onProgress func(LoadProgress)) error {
	_, err := w.call(ctx, request{Op: "load", Model: name}, onProgress)
	return Wrap("load "+name, err)
}

// Close closes the worker's stdin, which asks it to exit, and kills it if it
// has not exited after two seconds.
func (w *Worker) Close() error {
	err := w.in.Close()
	if w.exited == nil {
		return err
	}
	select {
	case <-w.exited:
	case <-time.After(2 * time.Second):
		w.logger.Warn("model worker did not exit, killing")
		w.kill()
	}
	return err
}

func (w *Worker) kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

func (w *Worker) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			w.logger.Error("model worker", "line", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			w.logger.Warn("model worker", "line", line)
		default:
			w.logger.Debug("model worker", "line", line)
		}
	}
}
