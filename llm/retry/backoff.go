// Package retry implements the exponential-backoff policy used for
// upstream HTTP calls. Auth and not-found failures are never retried;
// rate limits, 5xx responses and network errors are.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/BaSui01/qwengate/llm"
	"go.uber.org/zap"
)

// Policy configures the backoff loop. ShouldRetry decides per error;
// when nil, DefaultShouldRetry applies.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	ShouldRetry  func(err error) bool
	OnRetry      func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy matches the upstream contract: at most 2 retries,
// 1 s initial delay, doubling, capped at 10 s.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   2,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// DefaultShouldRetry retries on errors flagged Retryable (429, 5xx,
// network) and on raw transport errors; typed non-retryable errors
// (401/403/404) stop immediately.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var typed *llm.Error
	if errors.As(err, &typed) {
		return typed.Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified transport failures (refused, reset, DNS) surface as
	// plain errors from net/http; treat them as transient.
	return true
}

// Retryer runs functions under a Policy.
type Retryer struct {
	policy *Policy
	logger *zap.Logger
}

// New creates a Retryer, normalizing out-of-range policy values.
func New(policy *Policy, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 10 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger}
}

// Do executes fn, retrying per policy. The final error is returned
// unwrapped so callers keep the typed classification.
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			r.logger.Debug("retrying upstream call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !r.shouldRetry(lastErr) {
			return lastErr
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return lastErr
}

func (r *Retryer) shouldRetry(err error) bool {
	if r.policy.ShouldRetry != nil {
		return r.policy.ShouldRetry(err)
	}
	return DefaultShouldRetry(err)
}

func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		// ±25% to spread concurrent retries.
		jitter := d * 0.25
		d = d + (rand.Float64()*2-1)*jitter
	}
	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}
