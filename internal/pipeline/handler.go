package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/images"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/interfaces"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/workflow"
)

// MsgBackendUnreachable is reported when the backend is required but never answered.
const MsgBackendUnreachable = "ComfyUI API is not reachable"

// InputValidator turns raw job input into a request.
type InputValidator interface {
	Validate(raw json.RawMessage) (*job.Request, error)
}

// ImageStage supplies job images to the backend.
type ImageStage interface {
	InjectOrUpload(ctx context.Context, wf workflow.Workflow, imgs []job.ImageInput) (workflow.Workflow, images.UploadResult)
}

// OutputStage turns prompt outputs into a result.
type OutputStage interface {
	Resolve(ctx context.Context, outputs map[string]interfaces.ComfyUINodeOutput, jobID string) job.Result
}

// Stages groups the collaborators of a Handler.
type Stages struct {
	Validator InputValidator
	Probe     *Probe
	Images    ImageStage
	Submitter *Submitter
	Poller    *Poller
	Outputs   OutputStage
}

// Options tune handler behaviour.
type Options struct {
	// RequireBackend fails the job when the probe gives up.
	RequireBackend bool
	// RefreshWorker is copied into every result that reaches output resolution.
	RefreshWorker bool
}

// Handler runs jobs one stage after another.
type Handler struct {
	stages Stages
	opts   Options
	logger *logrus.Logger
}

// NewHandler creates a job handler
func NewHandler(stages Stages, opts Options, logger *logrus.Logger) *Handler {
	return &Handler{stages: stages, opts: opts, logger: logger}
}

// Handle processes j and always returns a terminal result. A panic in any
// stage becomes an error result.
func (h *Handler) Handle(ctx context.Context, j job.Job) (res job.Result) {
	start := time.Now()
	log := h.logger.WithField("job_id", j.ID)
	log.Info("Processing job")

	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(logrus.Fields{
				"panic": rec,
				"stack": string(debug.Stack()),
			}).Error("Job handler panicked")
			res = job.Failure(fmt.Sprintf("Internal error: %v", rec))
		}
		log.WithFields(logrus.Fields{
			"status":      res.Status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("Job finished")
	}()

	res, err := h.run(ctx, j, log)
	if err != nil {
		return h.fail(log, err)
	}
	return res
}

func (h *Handler) run(ctx context.Context, j job.Job, log *logrus.Entry) (job.Result, error) {
	req, err := h.stages.Validator.Validate(j.Input)
	if err != nil {
		return job.Result{}, err
	}

	if !h.stages.Probe.AwaitReachable(ctx) {
		if h.opts.RequireBackend {
			return job.Result{}, job.NewStageError(job.ErrBackendUnavailable, MsgBackendUnreachable, nil)
		}
		log.Warn("ComfyUI API did not answer, continuing anyway")
	}

	wf := req.Workflow
	if len(req.Images) > 0 {
		var upload images.UploadResult
		wf, upload = h.stages.Images.InjectOrUpload(ctx, wf, req.Images)
		if upload.Failed() {
			return job.Result{}, &job.StageError{Kind: job.ErrUpload, Message: upload.Message, Details: upload.Details}
		}
	}

	handle, err := h.stages.Submitter.Submit(ctx, wf)
	if err != nil {
		return job.Result{}, err
	}

	entry, err := h.stages.Poller.AwaitCompletion(ctx, handle.PromptID)
	if err != nil {
		return job.Result{}, err
	}

	res := h.stages.Outputs.Resolve(ctx, entry.Outputs, j.ID)
	log.WithField("status", res.Status).Info("Image processing complete")
	res.RefreshWorker = h.opts.RefreshWorker
	return res, nil
}

func (h *Handler) fail(log *logrus.Entry, err error) job.Result {
	res := job.ResultFromError(err)

	entry := log.WithError(err)
	var se *job.StageError
	if errors.As(err, &se) {
		entry = entry.WithField("kind", se.Kind.Error())
	}
	entry.Error("Job failed")
	return res
}
