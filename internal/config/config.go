package config

import (
	"fmt"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Capture   CaptureConfig
	Models    ModelsConfig
	Processor ProcessorConfig
	Feed      FeedConfig
	Stock     StockConfig
	MQTT      MQTTConfig
	Log       LogConfig
}

type ServerConfig struct {
	Addr string
	// MaxStreams caps concurrent connections; every open event stream holds one.
	MaxStreams int
	// Token, when set, is required as a bearer token on requests that
	// change state.
	Token string
}

type StorageConfig struct {
	DataDir string
	// ImageOut is where original and annotated images are written.
	// Empty means <DataDir>/drinks_out.
	ImageOut string
}

type CaptureConfig struct {
	Device int
	// Rate is the number of seconds between capture loop iterations.
	Rate    int
	Command string
	// Autostart starts the capture loop together with the server.
	Autostart bool
}

type ModelsConfig struct {
	Detection  string
	Similarity string
}

type ProcessorConfig struct {
	Command string
	Workers int
}

type FeedConfig struct {
	// UpdateInterval is the change watcher poll interval in seconds.
	UpdateInterval int
}

type StockConfig struct {
	TypesFile string
}

type MQTTConfig struct {
	Broker   string
	Topic    string
	Username string
	Password string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:       "127.0.0.1:8080",
			MaxStreams: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Capture: CaptureConfig{
			Device:  0,
			Rate:    60,
			Command: "ffmpeg -loglevel error -f v4l2 -i /dev/video{device} -frames:v 1 -f image2pipe -c:v png -",
		},
		Models: ModelsConfig{
			Detection:  "IDEA-Research/grounding-dino-base",
			Similarity: "google/vit-base-patch16-224-in21k",
		},
		Processor: ProcessorConfig{
			Command: "models/run_worker.sh",
			Workers: 2,
		},
		Feed: FeedConfig{
			UpdateInterval: 10,
		},
		Stock: StockConfig{
			TypesFile: "stock_types.yaml",
		},
		MQTT: MQTTConfig{
			Topic: "drinkwatch/events",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at
// ConfigFilePath and DRINKS_* environment variables, later sources winning.
func Load() (Config, error) {
	return loadWith(openYAMLFile(ConfigFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Capture.Rate < 0 {
		return fmt.Errorf("invalid config: capture.rate must not be negative (got %d)", c.Capture.Rate)
	}
	if c.Feed.UpdateInterval <= 0 {
		return fmt.Errorf("invalid config: feed.update_interval must be positive (got %d)", c.Feed.UpdateInterval)
	}
	if c.Processor.Workers <= 0 {
		return fmt.Errorf("invalid config: processor.workers must be positive (got %d)", c.Processor.Workers)
	}
	if c.Server.MaxStreams <= 0 {
		return fmt.Errorf("invalid config: server.max_streams must be positive (got %d)", c.Server.MaxStreams)
	}
	return nil
}

// ImageDir returns the directory images are stored under.
func (c Config) ImageDir() string {
	if c.Storage.ImageOut != "" {
		return c.Storage.ImageOut
	}
	return filepath.Join(c.Storage.DataDir, "drinks_out")
}

func (c Config) CaptureRate() time.Duration {
	return time.Duration(c.Capture.Rate) * time.Second
}

func (c Config) UpdateInterval() time.Duration {
	return time.Duration(c.Feed.UpdateInterval) * time.Second
}
