// Package pipeline runs a job through the backend: probe, image handling,
// submission, completion polling and output resolution.
package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/retry"
)

// Pinger checks backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe waits for the backend HTTP API to answer.
type Probe struct {
	client Pinger
	policy retry.Policy
	logger *logrus.Logger
}

// NewProbe creates a probe
func NewProbe(client Pinger, policy retry.Policy, logger *logrus.Logger) *Probe {
	return &Probe{client: client, policy: policy, logger: logger}
}

// AwaitReachable pings until the backend answers 200 or the attempt budget
// runs out. Ping failures are not errors here.
func (p *Probe) AwaitReachable(ctx context.Context) bool {
	attempts, err := retry.Poll(ctx, p.policy, func(ctx context.Context, attempt int) (bool, error) {
		if err := p.client.Ping(ctx); err != nil {
			p.logger.WithError(err).WithField("attempt", attempt).Debug("ComfyUI API not reachable yet")
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		p.logger.WithError(err).WithField("attempts", attempts).Warn("Failed to connect to ComfyUI API")
		return false
	}

	p.logger.WithField("attempts", attempts).Info("ComfyUI API is reachable")
	return true
}
