package api

import (
	"encoding/json"
	"time"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/queue"
)

// RunRequest run and runsync request
type RunRequest struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input" binding:"required"`
}

// TaskResponse task response
type TaskResponse struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Output      *job.Result `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
}

func newTaskResponse(task *queue.Task) TaskResponse {
	return TaskResponse{
		ID:          task.ID,
		Status:      string(task.Status),
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
		Output:      task.Result,
		Error:       task.Error,
	}
}

// ErrorResponse error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
