package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/config"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
)

// queue errors
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskExists       = errors.New("task already exists")
	ErrNotCancellable   = errors.New("task cannot be cancelled")
	ErrRefreshRequested = errors.New("worker refresh requested")
)

// JobHandler runs a single job to completion.
type JobHandler interface {
	Handle(ctx context.Context, j job.Job) job.Result
}

// Observer is told when the consumer starts and finishes a task.
type Observer interface {
	TaskStarted(ctx context.Context, taskID string)
	TaskFinished(ctx context.Context, taskID string, status TaskStatus)
}

// Manager stores tasks in Redis and feeds them to a JobHandler one at a time.
// Queued and synchronous jobs share one execution slot.
//
// Keys, for a queue named q:
//
//	q                      list of pending task ids (LPUSH in, pop from the right)
//	q:processing:<worker>  ids taken by a worker and not yet finished
//	q:task:<id>            task JSON
//	q:stats                terminal status counters
type Manager struct {
	redis      *redis.Client
	queueKey   string
	workerID   string
	resultTTL  time.Duration
	popTimeout time.Duration
	observer   Observer
	logger     *logrus.Logger

	jobMu sync.Mutex
}

// NewClient connects to the configured Redis.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewManager creates a queue manager
func NewManager(rdb *redis.Client, cfg config.RedisConfig, workerID string, logger *logrus.Logger) *Manager {
	return &Manager{
		redis:      rdb,
		queueKey:   cfg.QueueName,
		workerID:   workerID,
		resultTTL:  cfg.ResultTTL,
		popTimeout: time.Second,
		logger:     logger,
	}
}

func (m *Manager) taskKey(id string) string { return m.queueKey + ":task:" + id }
func (m *Manager) processingKey() string    { return m.queueKey + ":processing:" + m.workerID }
func (m *Manager) statsKey() string         { return m.queueKey + ":stats" }

// SetObserver registers o for task start and finish events.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Ping checks the Redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

// AddTask stores the task and appends it to the pending list. An id that
// already has a record is rejected with ErrTaskExists.
func (m *Manager) AddTask(ctx context.Context, task *Task) error {
	if err := m.reserve(ctx, task); err != nil {
		return err
	}

	if err := m.redis.LPush(ctx, m.queueKey, task.ID).Err(); err != nil {
		if delErr := m.redis.Del(ctx, m.taskKey(task.ID)).Err(); delErr != nil {
			m.logger.WithError(delErr).WithField("task_id", task.ID).Warn("Failed to drop unqueued task record")
		}
		return fmt.Errorf("failed to add task to Redis: %w", err)
	}

	m.logger.WithField("task_id", task.ID).Info("Task added to queue")
	return nil
}

// reserve writes the task record only if no record exists for its id.
func (m *Manager) reserve(ctx context.Context, task *Task) error {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ok, err := m.redis.SetNX(ctx, m.taskKey(task.ID), taskJSON, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store task in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	return nil
}

// GetTask gets task by ID
func (m *Manager) GetTask(ctx context.Context, taskID string) (*Task, error) {
	data, err := m.redis.Get(ctx, m.taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task from Redis: %w", err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// UpdateTask saves the task. Terminal tasks expire after the result TTL and
// are counted in the stats hash.
func (m *Manager) UpdateTask(ctx context.Context, task *Task) error {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	var ttl time.Duration
	if task.Status.Terminal() {
		ttl = m.resultTTL
	}

	pipe := m.redis.TxPipeline()
	pipe.Set(ctx, m.taskKey(task.ID), taskJSON, ttl)
	if task.Status.Terminal() {
		pipe.HIncrBy(ctx, m.statsKey(), string(task.Status), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update task in Redis: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"status":  task.Status,
	}).Info("Task updated")
	return nil
}

// CancelTask cancels a task that has not started yet.
func (m *Manager) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := m.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusPending {
		return nil, fmt.Errorf("%w, current status: %s", ErrNotCancellable, task.Status)
	}

	removed, err := m.redis.LRem(ctx, m.queueKey, 0, taskID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to remove task from pending queue: %w", err)
	}
	// already taken by a consumer or a synchronous run
	if removed == 0 {
		return nil, fmt.Errorf("%w, task is no longer queued", ErrNotCancellable)
	}

	task.MarkCancelled()
	if err := m.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ExecuteTask runs task in the caller's goroutine and stores the result. It
// waits for any job the consumer is running and holds the consumer off until
// it returns. The task id must be new, otherwise ErrTaskExists is returned.
func (m *Manager) ExecuteTask(ctx context.Context, task *Task, h JobHandler) error {
	if err := m.reserve(ctx, task); err != nil {
		return err
	}

	m.jobMu.Lock()
	defer m.jobMu.Unlock()

	log := m.logger.WithField("task_id", task.ID)
	store := context.WithoutCancel(ctx)

	task.MarkStarted()
	if err := m.UpdateTask(store, task); err != nil {
		log.WithError(err).Warn("Failed to mark task running")
	}
	if m.observer != nil {
		m.observer.TaskStarted(store, task.ID)
	}

	res := h.Handle(ctx, task.Job())
	if res.RefreshWorker {
		log.Info("Ignoring worker refresh for synchronous task")
	}

	task.MarkFinished(res)
	err := m.UpdateTask(store, task)
	if m.observer != nil {
		m.observer.TaskFinished(store, task.ID, task.Status)
	}
	return err
}

// GetMetrics gets queue metrics
func (m *Manager) GetMetrics(ctx context.Context) (*QueueMetrics, error) {
	pipe := m.redis.Pipeline()
	pending := pipe.LLen(ctx, m.queueKey)
	running := pipe.LLen(ctx, m.processingKey())
	stats := pipe.HGetAll(ctx, m.statsKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read queue metrics: %w", err)
	}

	counters := stats.Val()
	return &QueueMetrics{
		PendingTasks:   pending.Val(),
		RunningTasks:   running.Val(),
		CompletedTasks: parseCount(counters[string(TaskStatusCompleted)]),
		FailedTasks:    parseCount(counters[string(TaskStatusFailed)]),
		CancelledTasks: parseCount(counters[string(TaskStatusCancelled)]),
	}, nil
}

// Recover moves tasks this worker left in flight back to the front of the
// pending list and resets them to pending.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for {
		id, err := m.redis.LMove(ctx, m.processingKey(), m.queueKey, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover in-flight tasks: %w", err)
		}

		task, err := m.GetTask(ctx, id)
		if err != nil {
			m.logger.WithError(err).WithField("task_id", id).Warn("Recovered task has no record")
			continue
		}
		task.Status = TaskStatusPending
		task.StartedAt = nil
		if err := m.UpdateTask(ctx, task); err != nil {
			return recovered, err
		}
		recovered++

		m.logger.WithField("task_id", id).Info("Recovered running task, reset to pending")
	}

	if recovered > 0 {
		m.logger.WithField("recovered_tasks", recovered).Info("Rebuilt pending queue")
	}
	return recovered, nil
}

// Run consumes tasks until ctx is done or a result asks for a worker refresh,
// in which case ErrRefreshRequested is returned.
func (m *Manager) Run(ctx context.Context, h JobHandler) error {
	m.logger.WithFields(logrus.Fields{
		"queue":     m.queueKey,
		"worker_id": m.workerID,
	}).Info("Starting queue consumer")

	for {
		if ctx.Err() != nil {
			m.logger.Info("Queue consumer stopped")
			return nil
		}

		id, err := m.redis.BLMove(ctx, m.queueKey, m.processingKey(), "RIGHT", "LEFT", m.popTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			m.logger.WithError(err).Error("Failed to pop task")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		if m.process(ctx, id, h) {
			m.logger.WithField("task_id", id).Info("Worker refresh requested, stopping queue consumer")
			return ErrRefreshRequested
		}
	}
}

// process runs one task and reports whether its result requested a refresh.
func (m *Manager) process(ctx context.Context, id string, h JobHandler) bool {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()

	log := m.logger.WithField("task_id", id)

	task, err := m.GetTask(ctx, id)
	if err != nil {
		log.WithError(err).Error("Dropping task without record")
		m.finish(ctx, id)
		return false
	}
	if task.Status != TaskStatusPending {
		log.WithField("status", task.Status).Info("Skipping task that is no longer pending")
		m.finish(ctx, id)
		return false
	}

	task.MarkStarted()
	if err := m.UpdateTask(ctx, task); err != nil {
		log.WithError(err).Warn("Failed to mark task running")
	}
	if m.observer != nil {
		m.observer.TaskStarted(ctx, id)
	}

	res := h.Handle(ctx, task.Job())

	if ctx.Err() != nil {
		log.Warn("Shutdown interrupted task, leaving it for recovery")
		return false
	}

	task.MarkFinished(res)
	if err := m.UpdateTask(ctx, task); err != nil {
		log.WithError(err).Error("Failed to store task result")
	}
	m.finish(ctx, id)
	if m.observer != nil {
		m.observer.TaskFinished(ctx, id, task.Status)
	}

	return res.RefreshWorker
}

func (m *Manager) finish(ctx context.Context, id string) {
	if err := m.redis.LRem(ctx, m.processingKey(), 1, id).Err(); err != nil {
		m.logger.WithError(err).WithField("task_id", id).Warn("Failed to clear in-flight task")
	}
}

func parseCount(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
