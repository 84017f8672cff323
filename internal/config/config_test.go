package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"COMFY_HOST", "COMFY_POLLING_INTERVAL_MS", "COMFY_POLLING_MAX_RETRIES",
		"COMFY_OUTPUT_PATH", "REFRESH_WORKER", "BUCKET_ENDPOINT_URL", "WORKFLOW_DIR",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Comfy.Host != "127.0.0.1:8188" {
		t.Errorf("expected default host, got %s", cfg.Comfy.Host)
	}
	if cfg.Comfy.PollInterval != 250*time.Millisecond {
		t.Errorf("expected 250ms poll interval, got %s", cfg.Comfy.PollInterval)
	}
	if cfg.Comfy.PollMaxAttempts != 500 {
		t.Errorf("expected 500 poll attempts, got %d", cfg.Comfy.PollMaxAttempts)
	}
	if cfg.Comfy.ProbeInterval != 50*time.Millisecond || cfg.Comfy.ProbeMaxAttempts != 500 {
		t.Errorf("unexpected probe defaults: %s x %d", cfg.Comfy.ProbeInterval, cfg.Comfy.ProbeMaxAttempts)
	}
	if cfg.Comfy.RecentWindow != 30*time.Second {
		t.Errorf("expected 30s recency window, got %s", cfg.Comfy.RecentWindow)
	}
	if cfg.Comfy.OutputPath != "/comfyui/output" {
		t.Errorf("unexpected output path %s", cfg.Comfy.OutputPath)
	}
	if cfg.Workflows.Dir != "/runpod-volume/workflows" {
		t.Errorf("unexpected workflow dir %s", cfg.Workflows.Dir)
	}
	if cfg.Worker.RefreshWorker {
		t.Error("expected refresh worker to default to false")
	}
	if cfg.Storage.Enabled() {
		t.Error("expected storage to be disabled without endpoint")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COMFY_POLLING_INTERVAL_MS", "10")
	t.Setenv("COMFY_POLLING_MAX_RETRIES", "3")
	t.Setenv("REFRESH_WORKER", "TRUE")
	t.Setenv("COMFY_REQUIRE_BACKEND", "not-a-bool")
	t.Setenv("BUCKET_ENDPOINT_URL", "https://s3.example.com")
	t.Setenv("BUCKET_NAME", "outputs")
	t.Setenv("WORKER_ID", "pod-7")

	cfg := Load()

	if cfg.Worker.ID != "pod-7" {
		t.Errorf("expected worker id pod-7, got %s", cfg.Worker.ID)
	}

	if cfg.Comfy.PollInterval != 10*time.Millisecond {
		t.Errorf("expected 10ms, got %s", cfg.Comfy.PollInterval)
	}
	if cfg.Comfy.PollMaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Comfy.PollMaxAttempts)
	}
	if !cfg.Worker.RefreshWorker {
		t.Error("expected refresh worker to be true")
	}
	if cfg.Comfy.RequireBackend {
		t.Error("invalid bool should fall back to default false")
	}
	if !cfg.Storage.Enabled() {
		t.Error("expected storage to be enabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing host", func(c *Config) { c.Comfy.Host = "" }, ErrComfyHostRequired},
		{"zero attempts", func(c *Config) { c.Comfy.PollMaxAttempts = 0 }, ErrAttemptsInvalid},
		{"negative interval", func(c *Config) { c.Comfy.ProbeInterval = -time.Second }, ErrIntervalInvalid},
		{"missing output path", func(c *Config) { c.Comfy.OutputPath = "" }, ErrOutputPathRequired},
		{"bucket without name", func(c *Config) {
			c.Storage.EndpointURL = "https://s3.example.com"
			c.Storage.Bucket = ""
		}, ErrBucketRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger("debug", &buf)

	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}

	log.WithField("job_id", "j1").Info("processing job")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if entry["msg"] != "processing job" || entry["job_id"] != "j1" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	if lvl := NewLogger("loud").GetLevel(); lvl != logrus.InfoLevel {
		t.Errorf("expected info fallback, got %s", lvl)
	}
}
