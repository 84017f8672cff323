package interfaces

import (
	"context"
	"time"
)

// WorkerRegistry lists the workers consuming the queue
type WorkerRegistry interface {
	// ListWorkers lists all live workers
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// GetWorkerByID gets worker by ID
	GetWorkerByID(ctx context.Context, workerID string) (*Worker, error)
}

// WorkerStatus Worker status
type WorkerStatus string

const (
	WorkerStatusIdle WorkerStatus = "idle"
	WorkerStatusBusy WorkerStatus = "busy"
)

// Worker is the heartbeat record a worker process publishes about itself
type Worker struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	LastActiveAt  time.Time    `json:"last_active_at"`
	JobsProcessed int64        `json:"jobs_processed"`
	JobsFailed    int64        `json:"jobs_failed"`
}

// Worker methods
func (w *Worker) IsIdle() bool {
	return w.Status == WorkerStatusIdle && w.CurrentTaskID == ""
}

func (w *Worker) UpdateLastActive() {
	w.LastActiveAt = time.Now()
}

func (w *Worker) MarkIdle() {
	w.Status = WorkerStatusIdle
	w.CurrentTaskID = ""
	w.UpdateLastActive()
}

func (w *Worker) MarkBusy(taskID string) {
	w.Status = WorkerStatusBusy
	w.CurrentTaskID = taskID
	w.UpdateLastActive()
}
