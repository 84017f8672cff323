package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/interfaces"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/queue"
)

// Pinger checks a dependency for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler API handler
type Handler struct {
	queueManager interfaces.QueueManager
	workers      interfaces.WorkerRegistry
	jobs         queue.JobHandler
	backend      Pinger
	readyTimeout time.Duration
}

// NewHandler creates API handler
func NewHandler(queueManager interfaces.QueueManager, workers interfaces.WorkerRegistry, jobs queue.JobHandler, backend Pinger) *Handler {
	return &Handler{
		queueManager: queueManager,
		workers:      workers,
		jobs:         jobs,
		backend:      backend,
		readyTimeout: 2 * time.Second,
	}
}

// RegisterRoutes registers routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/run", h.run)
	r.POST("/runsync", h.runSync)
	r.GET("/status/:id", h.getStatus)
	r.POST("/cancel/:id", h.cancel)
	r.GET("/queue/metrics", h.getQueueMetrics)

	// Worker related routes
	workerGroup := r.Group("/workers")
	{
		workerGroup.GET("", h.listWorkers)
		workerGroup.GET("/:id", h.getWorker)
	}

	// Health checks
	r.GET("/health", h.healthCheck)
	r.GET("/ready", h.readinessCheck)
}

// run enqueues a job for the queue consumer
func (h *Handler) run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	task := queue.NewTask(req.ID, req.Input)
	if err := h.queueManager.AddTask(c.Request.Context(), task); err != nil {
		if errors.Is(err, queue.ErrTaskExists) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "Task already exists", Details: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, newTaskResponse(task))
}

// runSync runs a job in the request and returns its result
func (h *Handler) runSync(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	task := queue.NewTask(req.ID, req.Input)
	err := h.queueManager.ExecuteTask(c.Request.Context(), task, h.jobs)
	switch {
	case errors.Is(err, queue.ErrTaskExists):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Task already exists", Details: err.Error()})
		return
	case err != nil && !task.Status.Terminal():
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		// the job ran; only storing the result failed
		_ = c.Error(err)
	}

	c.JSON(http.StatusOK, newTaskResponse(task))
}

// getStatus gets task details
func (h *Handler) getStatus(c *gin.Context) {
	task, err := h.queueManager.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, newTaskResponse(task))
}

// cancel cancels a pending task
func (h *Handler) cancel(c *gin.Context) {
	task, err := h.queueManager.CancelTask(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, newTaskResponse(task))
	case errors.Is(err, queue.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Task not found"})
	case errors.Is(err, queue.ErrNotCancellable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Task cannot be cancelled", Details: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// getQueueMetrics gets queue metrics
func (h *Handler) getQueueMetrics(c *gin.Context) {
	metrics, err := h.queueManager.GetMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// listWorkers lists workers
func (h *Handler) listWorkers(c *gin.Context) {
	workers, err := h.workers.ListWorkers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"count":   len(workers),
	})
}

// getWorker gets worker details
func (h *Handler) getWorker(c *gin.Context) {
	w, err := h.workers.GetWorkerByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Worker not found"})
		return
	}
	c.JSON(http.StatusOK, w)
}

// healthCheck performs health check
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// readinessCheck pings the backend and the queue store once each
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.readyTimeout)
	defer cancel()

	checks := gin.H{"comfyui": "ok", "queue": "ok"}
	ready := true
	if err := h.backend.Ping(ctx); err != nil {
		checks["comfyui"] = err.Error()
		ready = false
	}
	if err := h.queueManager.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		ready = false
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}
