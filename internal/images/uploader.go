package images

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
)

// BackendUploader pushes raw image bytes to the backend.
type BackendUploader interface {
	UploadImage(ctx context.Context, name string, data []byte) error
}

// UploadResult aggregates the outcome of a batch of image operations.
type UploadResult struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

// Failed reports whether at least one image failed.
func (r UploadResult) Failed() bool {
	return r.Status == job.StatusError
}

// Uploader uploads every image of a job individually.
type Uploader struct {
	backend BackendUploader
	logger  *logrus.Logger
}

// NewUploader creates an uploader
func NewUploader(backend BackendUploader, logger *logrus.Logger) *Uploader {
	return &Uploader{backend: backend, logger: logger}
}

// UploadAll decodes and uploads each image. A failing image is recorded and
// the remaining images are still attempted.
func (u *Uploader) UploadAll(ctx context.Context, images []job.ImageInput) UploadResult {
	if len(images) == 0 {
		return UploadResult{Status: job.StatusSuccess, Message: "No images to upload", Details: []string{}}
	}

	u.logger.WithField("count", len(images)).Info("Uploading images")

	var uploaded, failures []string
	for _, img := range images {
		data, err := Decode(img.Image)
		if err != nil {
			u.logger.WithError(err).WithField("name", img.Name).Error("Failed to decode base64 image")
			failures = append(failures, fmt.Sprintf("Error decoding %s: %v", img.Name, err))
			continue
		}

		if err := u.backend.UploadImage(ctx, img.Name, data); err != nil {
			u.logger.WithError(err).WithField("name", img.Name).Error("Failed to upload image")
			failures = append(failures, fmt.Sprintf("Error uploading %s: %v", img.Name, err))
			continue
		}
		uploaded = append(uploaded, fmt.Sprintf("Successfully uploaded %s", img.Name))
	}

	if len(failures) > 0 {
		u.logger.WithField("failed", len(failures)).Warn("Image upload finished with errors")
		return UploadResult{
			Status:  job.StatusError,
			Message: "Some images failed to upload",
			Details: failures,
		}
	}

	u.logger.Info("Image upload complete")
	return UploadResult{
		Status:  job.StatusSuccess,
		Message: "All images uploaded successfully",
		Details: uploaded,
	}
}
