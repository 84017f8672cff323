// Package worker publishes this process's state to Redis so operators can see
// which workers are consuming the queue and what they are running.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/interfaces"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/queue"
)

// ErrWorkerNotFound is returned for unknown or expired workers.
var ErrWorkerNotFound = errors.New("worker not found")

// Registry keeps this worker's record fresh and reads everyone's records.
// A record expires when its worker stops sending heartbeats.
type Registry struct {
	redis    *redis.Client
	prefix   string
	interval time.Duration
	ttl      time.Duration

	mu   sync.Mutex
	self interfaces.Worker

	logger *logrus.Logger
}

// NewRegistry creates a registry for workerID. Keys are placed under prefix.
func NewRegistry(rdb *redis.Client, prefix, workerID string, logger *logrus.Logger) *Registry {
	now := time.Now()
	return &Registry{
		redis:    rdb,
		prefix:   prefix,
		interval: 10 * time.Second,
		ttl:      30 * time.Second,
		self: interfaces.Worker{
			ID:           workerID,
			Status:       interfaces.WorkerStatusIdle,
			StartedAt:    now,
			LastActiveAt: now,
		},
		logger: logger,
	}
}

func (r *Registry) workerKey(id string) string { return r.prefix + ":worker:" + id }
func (r *Registry) setKey() string             { return r.prefix + ":workers" }

// Register publishes the initial idle record.
func (r *Registry) Register(ctx context.Context) error {
	if err := r.save(ctx); err != nil {
		return err
	}
	r.logger.WithField("worker_id", r.self.ID).Info("Worker registered")
	return nil
}

// Heartbeat refreshes the record every interval until ctx is done.
func (r *Registry) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.save(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Warn("Failed to send worker heartbeat")
			}
		}
	}
}

// Deregister removes the record.
func (r *Registry) Deregister(ctx context.Context) error {
	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, r.workerKey(r.self.ID))
	pipe.SRem(ctx, r.setKey(), r.self.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete worker from Redis: %w", err)
	}
	r.logger.WithField("worker_id", r.self.ID).Info("Worker deregistered")
	return nil
}

// TaskStarted marks the worker busy with taskID.
func (r *Registry) TaskStarted(ctx context.Context, taskID string) {
	r.mu.Lock()
	r.self.MarkBusy(taskID)
	r.mu.Unlock()

	if err := r.save(ctx); err != nil {
		r.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to update worker task")
	}
}

// TaskFinished marks the worker idle and counts the outcome.
func (r *Registry) TaskFinished(ctx context.Context, taskID string, status queue.TaskStatus) {
	r.mu.Lock()
	r.self.MarkIdle()
	r.self.JobsProcessed++
	if status == queue.TaskStatusFailed {
		r.self.JobsFailed++
	}
	r.mu.Unlock()

	if err := r.save(ctx); err != nil {
		r.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to update worker task")
	}
}

func (r *Registry) save(ctx context.Context) error {
	r.mu.Lock()
	r.self.UpdateLastActive()
	workerJSON, err := json.Marshal(r.self)
	id := r.self.ID
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal worker: %w", err)
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, r.workerKey(id), workerJSON, r.ttl)
	pipe.SAdd(ctx, r.setKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save worker to Redis: %w", err)
	}
	return nil
}

// GetWorkerByID loads a worker record.
func (r *Registry) GetWorkerByID(ctx context.Context, workerID string) (*interfaces.Worker, error) {
	data, err := r.redis.Get(ctx, r.workerKey(workerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
		}
		return nil, fmt.Errorf("failed to load worker from Redis: %w", err)
	}

	var w interfaces.Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker: %w", err)
	}
	return &w, nil
}

// ListWorkers loads every live worker and prunes expired ids from the set.
func (r *Registry) ListWorkers(ctx context.Context) ([]*interfaces.Worker, error) {
	ids, err := r.redis.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active workers: %w", err)
	}

	workers := make([]*interfaces.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := r.GetWorkerByID(ctx, id)
		if errors.Is(err, ErrWorkerNotFound) {
			if err := r.redis.SRem(ctx, r.setKey(), id).Err(); err != nil {
				r.logger.WithError(err).WithField("worker_id", id).Warn("Failed to prune expired worker")
			}
			continue
		}
		if err != nil {
			r.logger.WithError(err).WithField("worker_id", id).Warn("Failed to load worker")
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}
