// Package output locates the images a finished prompt wrote and turns the
// first one into the job result.
package output

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/interfaces"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/workflow"
)

// MsgNoOutput is reported when neither the history nor the directory scan
// yields an image.
const MsgNoOutput = "No output images found in the output directory"

// ImageExtensions are the file extensions picked up by the directory scan.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// ObjectUploader stores a local file for a job and returns its URL.
type ObjectUploader interface {
	Upload(ctx context.Context, jobID, localPath string) (string, error)
}

// Resolver finds output files under the backend output root.
type Resolver struct {
	root     string
	window   time.Duration
	uploader ObjectUploader
	now      func() time.Time
	logger   *logrus.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithUploader sends outputs to object storage instead of inlining them.
func WithUploader(u ObjectUploader) Option {
	return func(r *Resolver) { r.uploader = u }
}

// WithClock overrides the time source used by the recency scan.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver for files under root. Files modified less
// than window ago are eligible for the fallback scan.
func NewResolver(root string, window time.Duration, logger *logrus.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		root:   filepath.Clean(root),
		window: window,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks the first output image and encodes or uploads it.
func (r *Resolver) Resolve(ctx context.Context, outputs map[string]interfaces.ComfyUINodeOutput, jobID string) job.Result {
	log := r.logger.WithField("job_id", jobID)

	paths := r.Reported(outputs)
	if len(paths) == 0 {
		log.Info("No images found in outputs, scanning output directory for recent files")
		recent, err := r.Recent()
		if err != nil {
			log.WithError(err).Warn("Output directory scan failed")
		}
		paths = recent
	}

	if len(paths) == 0 {
		log.Error("No output images found")
		return job.NewStageError(job.ErrOutputNotFound, MsgNoOutput, nil).Result()
	}

	chosen := paths[0]
	log = log.WithFields(logrus.Fields{"path": chosen, "found": len(paths)})
	log.Info("Processing output image")

	var message string
	if r.uploader != nil {
		url, err := r.uploader.Upload(ctx, jobID, chosen)
		if err != nil {
			log.WithError(err).Error("Failed to upload output image")
			return job.Failure(fmt.Sprintf("Error uploading output image: %v", err))
		}
		message = url
		log.Info("Image was generated and uploaded to object storage")
	} else {
		data, err := os.ReadFile(chosen)
		if err != nil {
			log.WithError(err).Error("Failed to read output image")
			return job.Failure(fmt.Sprintf("Error reading output image: %v", err))
		}
		message = base64.StdEncoding.EncodeToString(data)
		log.Info("Image was generated and converted to base64")
	}

	return job.Result{
		Status:    job.StatusSuccess,
		Message:   message,
		Path:      chosen,
		AllImages: paths,
	}
}

// Reported returns the files named in the history outputs that exist under
// the root, visiting nodes in workflow node order.
func (r *Resolver) Reported(outputs map[string]interfaces.ComfyUINodeOutput) []string {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	workflow.SortNodeIDs(ids)

	var paths []string
	for _, id := range ids {
		for _, img := range outputs[id].Images {
			p, err := SafeJoin(r.root, img.Subfolder, img.Filename)
			if err != nil {
				r.logger.WithError(err).WithField("node_id", id).Warn("Skipping output outside the output directory")
				continue
			}
			st, err := os.Stat(p)
			if err != nil || st.IsDir() {
				r.logger.WithField("path", p).Debug("Reported output missing on disk")
				continue
			}
			r.logger.WithField("path", p).Info("Found image in outputs")
			paths = append(paths, p)
		}
	}
	return paths
}

// Recent walks the root for image files modified within the window, newest
// first. Unreadable entries are skipped.
func (r *Resolver) Recent() ([]string, error) {
	type found struct {
		path    string
		modTime time.Time
	}

	now := r.now()
	var files []found
	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == r.root {
				return err
			}
			return nil
		}
		if d.IsDir() || !hasImageExt(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) < r.window {
			files = append(files, found{path: p, modTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", r.root, err)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
		r.logger.WithField("path", f.path).Info("Found recent image in output directory")
	}
	return paths, nil
}

func hasImageExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// SafeJoin joins elems onto root and rejects results that escape root.
func SafeJoin(root string, elems ...string) (string, error) {
	root = filepath.Clean(root)
	p := filepath.Join(append([]string{root}, elems...)...)
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", fmt.Errorf("invalid output path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %q escapes %s", filepath.Join(elems...), root)
	}
	return p, nil
}
