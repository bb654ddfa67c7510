package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every DRINKS_* override so the host environment can't leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(openYAMLFile(writeTempConfig(t, "")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("Server.Addr = %q, want 127.0.0.1:8080", cfg.Server.Addr)
	}
	if cfg.Capture.Rate != 60 {
		t.Errorf("Capture.Rate = %d, want 60", cfg.Capture.Rate)
	}
	if cfg.Feed.UpdateInterval != 10 {
		t.Errorf("Feed.UpdateInterval = %d, want 10", cfg.Feed.UpdateInterval)
	}
	if cfg.Models.Detection != "IDEA-Research/grounding-dino-base" {
		t.Errorf("Models.Detection = %q", cfg.Models.Detection)
	}
	if cfg.Models.Similarity != "google/vit-base-patch16-224-in21k" {
		t.Errorf("Models.Similarity = %q", cfg.Models.Similarity)
	}
	if cfg.Capture.Autostart {
		t.Error("Capture.Autostart should default to false")
	}
	if cfg.MQTT.Broker != "" {
		t.Errorf("MQTT.Broker = %q, want empty (mirror disabled)", cfg.MQTT.Broker)
	}
	if got, want := cfg.ImageDir(), filepath.Join(cfg.Storage.DataDir, "drinks_out"); got != want {
		t.Errorf("ImageDir() = %q, want %q", got, want)
	}
	if cfg.UpdateInterval() != 10*time.Second || cfg.CaptureRate() != time.Minute {
		t.Errorf("durations = %v, %v", cfg.UpdateInterval(), cfg.CaptureRate())
	}
}

// TestFileParsing verifies that fields are read from the YAML config file.
func TestFileParsing(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
server:
  addr: 0.0.0.0:9000
storage:
  data_dir: /tmp/drinkwatch-test
  image_out: /tmp/images
capture:
  rate: 5
  autostart: true
processor:
  workers: "4"
mqtt:
  broker: localhost:1883
  password: ignored
`)

	cfg, err := loadWith(openYAMLFile(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.DataDir != "/tmp/drinkwatch-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.ImageDir() != "/tmp/images" {
		t.Errorf("ImageDir() = %q", cfg.ImageDir())
	}
	if cfg.Capture.Rate != 5 {
		t.Errorf("Capture.Rate = %d", cfg.Capture.Rate)
	}
	if !cfg.Capture.Autostart {
		t.Error("Capture.Autostart = false, want true")
	}
	if cfg.Processor.Workers != 4 {
		t.Errorf("Processor.Workers = %d", cfg.Processor.Workers)
	}
	if cfg.MQTT.Broker != "localhost:1883" {
		t.Errorf("MQTT.Broker = %q", cfg.MQTT.Broker)
	}
	if cfg.MQTT.Password != "" {
		t.Error("secrets must not be read from the config file")
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "capture:\n  rate: 5\nmodels:\n  detection: file-model\n")

	t.Setenv("DRINKS_CAPTURE_RATE", "30")
	t.Setenv("DRINKS_OBJ_DET_MODEL", "env-model")
	t.Setenv("DRINKS_MQTT_PASSWORD", "s3cret")
	t.Setenv("DRINKS_API_TOKEN", "tok")
	t.Setenv("DRINKS_FEED_UPDATE_INTERVAL", "not-a-number")

	cfg, err := loadWith(openYAMLFile(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Capture.Rate != 30 {
		t.Errorf("Capture.Rate = %d, want 30", cfg.Capture.Rate)
	}
	if cfg.Models.Detection != "env-model" {
		t.Errorf("Models.Detection = %q, want env-model", cfg.Models.Detection)
	}
	if cfg.MQTT.Password != "s3cret" {
		t.Errorf("MQTT.Password = %q, want s3cret", cfg.MQTT.Password)
	}
	if cfg.Server.Token != "tok" {
		t.Errorf("Server.Token = %q, want tok", cfg.Server.Token)
	}
	if cfg.Feed.UpdateInterval != 10 {
		t.Errorf("unparseable env value should keep default, got %d", cfg.Feed.UpdateInterval)
	}
}

func TestInvalidValues(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"negative rate", "capture:\n  rate: -1\n", "capture.rate"},
		{"zero interval", "feed:\n  update_interval: 0\n", "feed.update_interval"},
		{"zero workers", "processor:\n  workers: 0\n", "processor.workers"},
		{"fractional int", "capture:\n  device: 1.5\n", "capture.device"},
		{"bad bool", "capture:\n  autostart: sometimes\n", "capture.autostart"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(openYAMLFile(writeTempConfig(t, tt.content)))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "drinkwatch", "config.yaml")
	b := openYAMLFile(path)

	if err := setKey(b, "capture.rate", "15"); err != nil {
		t.Fatalf("setKey(capture.rate): %v", err)
	}
	if err := setKey(b, "capture.autostart", "true"); err != nil {
		t.Fatalf("setKey(capture.autostart): %v", err)
	}
	if err := setKey(b, "capture.rate", "soon"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKey(b, "mqtt.password", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadWith(openYAMLFile(path))
	if err != nil {
		t.Fatalf("reloading: %v", err)
	}
	if cfg.Capture.Rate != 15 || !cfg.Capture.Autostart {
		t.Errorf("reloaded capture config = %+v", cfg.Capture)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "capture:\n") || !strings.Contains(string(data), "rate: 15") {
		t.Errorf("config file not written by section:\n%s", data)
	}
}

func TestUnsetKey(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "capture:\n  rate: 5\nfeed:\n  update_interval: 3\n")

	if err := unsetKey(openYAMLFile(path), "capture.rate"); err != nil {
		t.Fatalf("unsetKey: %v", err)
	}
	if err := unsetKey(openYAMLFile(path), "mqtt.password"); err == nil {
		t.Error("expected error for secret key")
	}

	cfg, err := loadWith(openYAMLFile(path))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Capture.Rate != 60 {
		t.Errorf("Capture.Rate = %d, want default 60", cfg.Capture.Rate)
	}
	if cfg.Feed.UpdateInterval != 3 {
		t.Errorf("Feed.UpdateInterval = %d, want 3 (untouched)", cfg.Feed.UpdateInterval)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.MQTT.Password = "s3cret"
	cfg.Server.Token = "tok3n"
	cfg.Capture.Rate = 5
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "mqtt.password" || ki.Key == "server.token" ||
			strings.Contains(ki.Value, "s3cret") || strings.Contains(ki.Value, "tok3n") {
			t.Errorf("secret leaked: %+v", ki)
		}
		switch ki.Key {
		case "capture.rate":
			if ki.Default {
				t.Error("capture.rate = 5 reported as default")
			}
		case "server.addr":
			if !ki.Default {
				t.Error("server.addr reported as changed")
			}
		}
	}
	if got, want := len(ValidKeys()), len(specs)-2; got != want {
		t.Errorf("ValidKeys() has %d keys, want %d", got, want)
	}
}

func TestConfigFilePathOverride(t *testing.T) {
	t.Setenv("DRINKS_CONFIG_FILE", "/etc/drinkwatch.yaml")
	if got := ConfigFilePath(); got != "/etc/drinkwatch.yaml" {
		t.Errorf("ConfigFilePath() = %q", got)
	}
}
