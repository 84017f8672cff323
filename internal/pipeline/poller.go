package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/interfaces"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/job"
	"github.com/TallJasonPDX/runpod-worker-comfy/internal/retry"
)

// MsgPollBudgetExceeded is reported when the prompt never produced outputs.
const MsgPollBudgetExceeded = "Max retries reached while waiting for image generation"

// HistoryClient reads prompt history and can cancel a prompt.
type HistoryClient interface {
	GetHistory(ctx context.Context, promptID string) (interfaces.ComfyUIHistory, error)
	CancelPrompt(ctx context.Context, promptID string) error
}

// Poller waits for a submitted prompt to produce outputs.
type Poller struct {
	client HistoryClient
	policy retry.Policy
	logger *logrus.Logger
}

// NewPoller creates a poller
func NewPoller(client HistoryClient, policy retry.Policy, logger *logrus.Logger) *Poller {
	return &Poller{client: client, policy: policy, logger: logger}
}

// AwaitCompletion fetches the history of promptID until its entry carries
// outputs. A fetch error ends the wait immediately.
func (p *Poller) AwaitCompletion(ctx context.Context, promptID string) (*interfaces.ComfyUIHistoryEntry, error) {
	log := p.logger.WithField("prompt_id", promptID)
	log.Info("Waiting until image generation is complete")

	var done interfaces.ComfyUIHistoryEntry
	attempts, err := retry.Poll(ctx, p.policy, func(ctx context.Context, attempt int) (bool, error) {
		history, err := p.client.GetHistory(ctx, promptID)
		if err != nil {
			return false, err
		}
		entry, ok := history.Completed(promptID)
		if !ok {
			return false, nil
		}
		done = entry
		return true, nil
	})

	switch {
	case err == nil:
		log.WithField("attempts", attempts).Info("Image generation complete")
		return &done, nil

	case errors.Is(err, retry.ErrBudgetExceeded):
		log.WithField("attempts", attempts).Error("Max retries reached waiting for image generation")
		p.cancel(log, promptID)
		return nil, &job.StageError{Kind: job.ErrPolling, Message: MsgPollBudgetExceeded, Err: err}

	default:
		log.WithError(err).WithField("attempts", attempts).Error("Error waiting for image generation")
		return nil, job.NewStageError(job.ErrPolling, "Error waiting for image generation: "+err.Error(), err)
	}
}

// cancel asks the backend to drop the abandoned prompt. It uses its own
// deadline; the job context may already be done.
func (p *Poller) cancel(log *logrus.Entry, promptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.CancelPrompt(ctx, promptID); err != nil {
		log.WithError(err).Warn("Failed to cancel abandoned prompt")
	}
}
