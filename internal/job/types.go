// Package job defines the job payload seen by the worker, its validated form
// and the terminal result handed back to the queue host.
package job

import (
	"encoding/json"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/workflow"
)

// Job is one unit of work delivered by the queue host.
type Job struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// ImageInput is an input image supplied with a job. Image holds raw base64
// or a data URL.
type ImageInput struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Request is a validated job input. Workflow is never nil.
type Request struct {
	Workflow workflow.Workflow
	Images   []ImageInput
}

// Result status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the terminal outcome of a job.
type Result struct {
	Status        string   `json:"status"`
	Message       string   `json:"message"`
	Error         string   `json:"error,omitempty"`
	Details       []string `json:"details,omitempty"`
	Path          string   `json:"path,omitempty"`
	AllImages     []string `json:"all_images,omitempty"`
	RefreshWorker bool     `json:"refresh_worker"`
}

// Succeeded reports whether the job produced an output.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Failure builds an error result carrying msg as both error and message.
func Failure(msg string, details ...string) Result {
	return Result{
		Status:  StatusError,
		Message: msg,
		Error:   msg,
		Details: details,
	}
}
