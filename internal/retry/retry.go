// Package retry is the single backoff policy applied at every external call
// boundary (embedding, language model, search).
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/iago/research-agent/internal/errors"
)

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the +/- fraction applied to each delay, in [0, 1].
	Jitter float64
	// Retryable decides whether an error is worth another attempt. Nil
	// retries everything except context cancellation.
	Retryable func(error) bool
	// OnRetry is called before sleeping.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  2 * time.Second,
		Jitter:    0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the backoff before attempt+1, where attempt is zero based.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		backoff *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(backoff)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	policy = policy.normalized()

	var lastErr error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(policy, lastErr) || attempt == policy.Attempts-1 {
			break
		}

		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.WithSecondary(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return lastErr
}

func retryable(policy Policy, err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if policy.Retryable == nil {
		return true
	}
	return policy.Retryable(err)
}
