// Package retry provides a fixed-interval retry policy and a generic
// "poll until done or budget exhausted" loop shared by the backend probe and
// the completion poller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExceeded is returned by Poll when every attempt ran without the
// condition being met.
var ErrBudgetExceeded = errors.New("retry budget exceeded")

// Backoff selects how the wait between attempts evolves.
type Backoff int

const (
	// BackoffNone retries immediately.
	BackoffNone Backoff = iota
	// BackoffFixed waits Interval between every attempt.
	BackoffFixed
)

// Policy bounds a polling loop.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Backoff     Backoff
}

// Fixed returns a policy that waits interval between at most maxAttempts attempts.
func Fixed(maxAttempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Interval: interval, Backoff: BackoffFixed}
}

func (p Policy) wait() time.Duration {
	if p.Backoff == BackoffNone {
		return 0
	}
	return p.Interval
}

// Func is called once per attempt (1-based). Returning done=true stops the
// loop successfully; a non-nil error stops it immediately and is returned
// unchanged.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Poll runs fn until it reports done, returns an error, or MaxAttempts calls
// have been made. It returns the number of calls performed. No wait follows
// the final attempt. Context cancellation aborts the wait and returns ctx.Err().
func Poll(ctx context.Context, p Policy, fn Func) (int, error) {
	if p.MaxAttempts <= 0 {
		return 0, fmt.Errorf("%w: no attempts allowed", ErrBudgetExceeded)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		done, err := fn(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.wait()
		if wait <= 0 {
			if err := ctx.Err(); err != nil {
				return attempt, err
			}
			continue
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}

	return p.MaxAttempts, fmt.Errorf("%w after %d attempts", ErrBudgetExceeded, p.MaxAttempts)
}
