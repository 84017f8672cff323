package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/config"
)

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("j1", "/comfyui/output/sub/ComfyUI_00001_.png"); got != "j1/ComfyUI_00001_.png" {
		t.Errorf("unexpected key %s", got)
	}
}

func TestS3Upload(t *testing.T) {
	var (
		mu        sync.Mutex
		gotMethod string
		gotPath   string
		gotType   string
		gotBody   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	uploader, err := NewS3Uploader(context.Background(), config.StorageConfig{
		EndpointURL:     srv.URL,
		Bucket:          "outputs",
		Region:          "us-east-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		PresignTTL:      time.Hour,
	}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	file := filepath.Join(t.TempDir(), "out.png")
	if err := os.WriteFile(file, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	url, err := uploader.Upload(context.Background(), "j1", file)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != http.MethodPut || gotPath != "/outputs/j1/out.png" {
		t.Errorf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotType != "image/png" {
		t.Errorf("expected image/png, got %s", gotType)
	}
	if string(gotBody) != "png-bytes" {
		t.Errorf("unexpected body %q", gotBody)
	}
	if !strings.Contains(url, "/outputs/j1/out.png") || !strings.Contains(url, "X-Amz-Signature") {
		t.Errorf("expected presigned url, got %s", url)
	}
}

func TestS3UploadMissingFile(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	uploader, err := NewS3Uploader(context.Background(), config.StorageConfig{
		EndpointURL:     "http://127.0.0.1:1",
		Bucket:          "outputs",
		Region:          "us-east-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := uploader.Upload(context.Background(), "j1", filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
