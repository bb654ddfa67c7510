package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/drinkwatch/internal/api"
	"github.com/kalambet/drinkwatch/internal/app"
	"github.com/kalambet/drinkwatch/internal/config"
	"github.com/kalambet/drinkwatch/internal/emitter"
	"github.com/kalambet/drinkwatch/internal/metrics"
	"github.com/kalambet/drinkwatch/internal/processor"
	"github.com/kalambet/drinkwatch/internal/stock"
	"github.com/kalambet/drinkwatch/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the drinkwatch server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running drinkwatch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show drinkwatch status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the capture database and apply migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		applied, err := store.AppliedMigrations()
		if err != nil {
			return err
		}
		printSuccess("Database ready in %s (%d migrations applied)", cfg.Storage.DataDir, len(applied))
		return nil
	},
}

// pidFile records the running server's process id next to its database.
type pidFile string

func pidFileIn(dataDir string) pidFile {
	return pidFile(filepath.Join(dataDir, "drinkwatch.pid"))
}

var errAlreadyRunning = errors.New("drinkwatch is already running")

// claim creates the file with this process's id. A file left behind by a
// process that no longer exists is replaced.
func (p pidFile) claim() error {
	if err := os.MkdirAll(filepath.Dir(string(p)), 0o755); err != nil {
		return err
	}
	for range 2 {
		f, err := os.OpenFile(string(p), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			return errors.Join(werr, f.Close())
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		if pid, err := p.read(); err == nil && processAlive(pid) {
			return fmt.Errorf("%w (PID %d)", errAlreadyRunning, pid)
		}
		p.release()
	}
	return fmt.Errorf("could not claim %s", string(p))
}

func (p pidFile) read() (int, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (p pidFile) release() {
	os.Remove(string(p))
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// loadCatalog reads the stock types file. A missing file only disables the
// stock view.
func loadCatalog(path string) (*stock.Catalog, error) {
	cat, err := stock.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("stock types file not found, stock view disabled", "path", path)
		return nil, nil
	}
	return cat, err
}

func runServer() error {
	fmt.Fprintln(out, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	pid := pidFileIn(cfg.Storage.DataDir)
	if err := pid.claim(); err != nil {
		if errors.Is(err, errAlreadyRunning) {
			printWarning("%v", err)
		}
		return err
	}
	defer pid.release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := loadCatalog(cfg.Stock.TypesFile)
	if err != nil {
		return err
	}

	// Workers outlive ctx so running jobs can finish during shutdown.
	poolCtx, killWorkers := context.WithCancel(context.Background())
	defer killWorkers()
	pool, err := processor.StartPool(poolCtx, processor.WorkerConfig{
		Command: cfg.Processor.Command,
		Logger:  slog.Default(),
	}, cfg.Processor.Workers)
	if err != nil {
		return fmt.Errorf("starting model workers: %w", err)
	}
	defer pool.Close()
	if err := processor.EnsureReady(ctx, pool, os.Stderr, cfg.Models.Detection, cfg.Models.Similarity); err != nil {
		return err
	}

	var mirror *emitter.MQTTMirror
	if cfg.MQTT.Broker != "" {
		mirror = emitter.NewMQTTMirror(emitter.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err := mirror.Connect(ctx); err != nil {
			slog.Warn("mqtt mirror disabled", "broker", cfg.MQTT.Broker, "error", err)
			mirror = nil
		}
	}

	metrics.Register(prometheus.DefaultRegisterer)

	a, err := app.New(cfg, app.Deps{
		Detector: pool,
		Comparer: pool,
		Backend:  pool,
		OpenCamera: func() (processor.Camera, error) {
			return processor.NewCommandCamera(cfg.Capture.Command, cfg.Capture.Device, ".png")
		},
		Catalog:  catalog,
		Mirror:   mirror,
		Progress: os.Stderr,
		Logger:   slog.Default(),
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		a.Shutdown(context.Background())
		return fmt.Errorf("listening on %s: %w", cfg.Server.Addr, err)
	}
	// Every open event stream holds a connection; cap them.
	ln = netutil.LimitListener(ln, cfg.Server.MaxStreams)

	srv := &http.Server{
		Handler:           api.NewHandler(a, cfg.Server.Token),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.Token == "" {
		slog.Warn("DRINKS_API_TOKEN not set, request and loop endpoints are open")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		fmt.Fprintf(out, "drinkwatch listening on %s\n", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(out, "shutting down...")

		// Graceful shutdown with timeout. Streams end once Run closes the
		// shutdown signal, so Shutdown does not wait on them.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), a.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pf := pidFileIn(cfg.Storage.DataDir)
	pid, err := pf.read()
	if err != nil {
		printError("drinkwatch is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}
	if !processAlive(pid) {
		pf.release()
		printWarning("removed stale PID file (PID %d not running)", pid)
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop drinkwatch (PID %d): %v", pid, err)
		return err
	}

	// The server removes its PID file once shutdown completes.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(string(pf)); errors.Is(err, fs.ErrNotExist) {
			printSuccess("drinkwatch stopped (PID %d)", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	printWarning("sent stop signal to PID %d; still shutting down", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    baseURL(cfg.Server.Addr),
		token:      cfg.Server.Token,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	running := reportServer(ctx, client, cfg.Server.Addr)

	printStatus("Detection model", "%s", cfg.Models.Detection)
	printStatus("Similarity model", "%s", cfg.Models.Similarity)
	if cfg.MQTT.Broker != "" {
		printStatus("MQTT mirror", "%s (topic %s)", cfg.MQTT.Broker, cfg.MQTT.Topic)
	}

	if running {
		reportCaptures(ctx, client)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Image dir", "%s", cfg.ImageDir())
	return nil
}

// reportServer prints the server and capture loop state and reports
// whether the server answered.
func reportServer(ctx context.Context, client *apiClient, addr string) bool {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return false
	}
	printStatus("Server", "running on %s", addr)

	resp, err = client.get(ctx, "/capture_loop")
	if err != nil {
		return true
	}
	var loop struct {
		Running bool `json:"running"`
	}
	if decodeJSON(resp, &loop) == nil {
		state := "off"
		if loop.Running {
			state = "on"
		}
		printStatus("Capture loop", "%s", state)
	}
	return true
}

func reportCaptures(ctx context.Context, client *apiClient) {
	const limit = 100
	resp, err := client.get(ctx, fmt.Sprintf("/history?limit=%d", limit))
	if err != nil {
		return
	}
	var captures []json.RawMessage
	if decodeJSON(resp, &captures) == nil {
		printStatus("Captures", "%s", countLabel(len(captures), limit))
	}

	resp, err = client.get(ctx, "/feed")
	if err != nil {
		return
	}
	var latest api.CaptureView
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		printStatus("Latest capture", "none yet")
		return
	}
	if decodeJSON(resp, &latest) == nil {
		printStatus("Latest capture", "%s (%s)", latest.CreatedAt.Local().Format(time.DateTime), latest.Title)
	}
}

// countLabel renders a count fetched with a page limit; a full page means
// there may be more.
func countLabel(count, limit int) string {
	s := strconv.Itoa(count)
	if count >= limit {
		s += "+"
	}
	return s
}
