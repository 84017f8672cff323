package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
)

// TaskStatus task status
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is a queued job together with its progress and result.
type Task struct {
	ID          string          `json:"id"`
	Status      TaskStatus      `json:"status"`
	Input       json.RawMessage `json:"input"`
	Result      *job.Result     `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewTask creates a pending task. An empty id is replaced by a new UUID.
func NewTask(id string, input json.RawMessage) *Task {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	return &Task{
		ID:        id,
		Status:    TaskStatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Job returns the job handed to the pipeline.
func (t *Task) Job() job.Job {
	return job.Job{ID: t.ID, Input: t.Input}
}

// MarkStarted marks task as started
func (t *Task) MarkStarted() {
	t.Status = TaskStatusRunning
	now := time.Now()
	t.StartedAt = &now
	t.UpdatedAt = now
}

// MarkFinished records the pipeline result. Error results mark the task failed.
func (t *Task) MarkFinished(res job.Result) {
	t.Result = &res
	if res.Succeeded() {
		t.Status = TaskStatusCompleted
	} else {
		t.Status = TaskStatusFailed
		t.Error = res.Error
		if t.Error == "" {
			t.Error = res.Message
		}
	}
	now := time.Now()
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkCancelled marks task as cancelled
func (t *Task) MarkCancelled() {
	t.Status = TaskStatusCancelled
	now := time.Now()
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// QueueMetrics queue metrics
type QueueMetrics struct {
	PendingTasks   int64 `json:"pending_tasks"`
	RunningTasks   int64 `json:"running_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
	CancelledTasks int64 `json:"cancelled_tasks"`
}
