package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/interfaces"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/workflow"
)

// WorkflowClient queues workflows on the backend.
type WorkflowClient interface {
	SubmitWorkflow(ctx context.Context, workflow map[string]any) (*interfaces.ComfyUIResponse, error)
}

// Submitter queues a prepared workflow. Submissions are not retried.
type Submitter struct {
	client WorkflowClient
	logger *logrus.Logger
}

// NewSubmitter creates a submitter
func NewSubmitter(client WorkflowClient, logger *logrus.Logger) *Submitter {
	return &Submitter{client: client, logger: logger}
}

// Submit queues wf and returns the backend's handle.
func (s *Submitter) Submit(ctx context.Context, wf workflow.Workflow) (*interfaces.ComfyUIResponse, error) {
	resp, err := s.client.SubmitWorkflow(ctx, wf)
	if err != nil {
		s.logger.WithError(err).Error("Error queuing workflow")
		return nil, job.NewStageError(job.ErrSubmission, "Error queuing workflow: "+err.Error(), err)
	}

	entry := s.logger.WithFields(logrus.Fields{
		"prompt_id": resp.PromptID,
		"number":    resp.Number,
	})
	if len(resp.NodeErrors) > 0 {
		entry = entry.WithField("node_errors", resp.NodeErrors)
	}
	entry.Info("Queued workflow")
	return resp, nil
}
