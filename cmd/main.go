package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/api"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/comfyui"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/config"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/images"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/output"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/pipeline"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/queue"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/retry"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/storage"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/worker"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/workflow"
)

func main() {
	envErr := godotenv.Load()

	// Load configuration
	cfg := config.Load()
	logger := config.NewLogger(cfg.Worker.LogLevel)
	if envErr != nil {
		logger.Debug("No .env file found, using system environment variables")
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comfyClient := comfyui.NewClient(cfg.Comfy.Host, cfg.Comfy.RequestTimeout, logger)

	var resolverOpts []output.Option
	if cfg.Storage.Enabled() {
		uploader, err := storage.NewS3Uploader(ctx, cfg.Storage, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create object storage uploader")
		}
		resolverOpts = append(resolverOpts, output.WithUploader(uploader))
		logger.WithFields(logrus.Fields{
			"endpoint": cfg.Storage.EndpointURL,
			"bucket":   cfg.Storage.Bucket,
		}).Info("Outputs will be uploaded to object storage")
	}

	handler := pipeline.NewHandler(pipeline.Stages{
		Validator: job.NewValidator(workflow.NewCatalog(cfg.Workflows.Dir, logger), logger),
		Probe:     pipeline.NewProbe(comfyClient, retry.Fixed(cfg.Comfy.ProbeMaxAttempts, cfg.Comfy.ProbeInterval), logger),
		Images:    images.NewInjector(images.NewUploader(comfyClient, logger), logger),
		Submitter: pipeline.NewSubmitter(comfyClient, logger),
		Poller:    pipeline.NewPoller(comfyClient, retry.Fixed(cfg.Comfy.PollMaxAttempts, cfg.Comfy.PollInterval), logger),
		Outputs:   output.NewResolver(cfg.Comfy.OutputPath, cfg.Comfy.RecentWindow, logger, resolverOpts...),
	}, pipeline.Options{
		RequireBackend: cfg.Comfy.RequireBackend,
		RefreshWorker:  cfg.Worker.RefreshWorker,
	}, logger)

	rdb := queue.NewClient(cfg.Redis)
	defer rdb.Close()

	qm := queue.NewManager(rdb, cfg.Redis, cfg.Worker.ID, logger)
	if _, err := qm.Recover(ctx); err != nil {
		logger.WithError(err).Error("Failed to recover in-flight tasks")
	}

	registry := worker.NewRegistry(rdb, cfg.Redis.QueueName, cfg.Worker.ID, logger)
	if err := registry.Register(ctx); err != nil {
		logger.WithError(err).Warn("Failed to register worker")
	}
	qm.SetObserver(registry)
	heartbeatDone := make(chan struct{})
	go func() {
		registry.Heartbeat(ctx)
		close(heartbeatDone)
	}()

	// Start HTTP server
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	api.NewHandler(qm, registry, handler, comfyClient).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		logger.Infof("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to listen")
		}
	}()

	// The consumer returns on shutdown or when a job asks for a fresh worker.
	consumerErr := qm.Run(ctx, handler)
	if errors.Is(consumerErr, queue.ErrRefreshRequested) {
		logger.Info("Exiting so the worker can be refreshed")
	}

	logger.Info("Server shutting down...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// a refresh exit leaves ctx live; stop the heartbeat so it cannot
	// republish the record after it is removed
	stop()
	<-heartbeatDone
	if err := registry.Deregister(ctxShutdown); err != nil {
		logger.WithError(err).Warn("Failed to deregister worker")
	}

	logger.Info("Server exited")
}
