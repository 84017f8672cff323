package interfaces

import (
	"context"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/queue"
)

// QueueManager queue manager interface
type QueueManager interface {
	// Ping checks the queue store
	Ping(ctx context.Context) error

	// AddTask adds a task to the queue
	AddTask(ctx context.Context, task *queue.Task) error

	// ExecuteTask runs a task synchronously, one job at a time with the queue
	ExecuteTask(ctx context.Context, task *queue.Task, h queue.JobHandler) error

	// GetTask gets task by ID
	GetTask(ctx context.Context, taskID string) (*queue.Task, error)

	// CancelTask cancels a pending task
	CancelTask(ctx context.Context, taskID string) (*queue.Task, error)

	// GetMetrics gets queue metrics
	GetMetrics(ctx context.Context) (*queue.QueueMetrics, error)
}
