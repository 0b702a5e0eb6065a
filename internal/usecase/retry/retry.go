// Package retry wraps fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"

	"coderelay/internal/domain"
)

// Default policy values, applied by Policy.withDefaults.
const (
	defaultMaxRetries    = 3
	defaultBaseDelay     = 500 * time.Millisecond
	defaultMaxDelay      = 10 * time.Second
	defaultBackoffFactor = 2.0
)

// jitterFraction is the symmetric jitter applied to each delay (±10%),
// spreading retries across concurrent clients.
const jitterFraction = 0.1

// Policy controls retry behavior. The zero value is usable: defaults are
// filled in on first use.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first
	// failure. Zero selects the default; a negative value disables
	// retries entirely.
	MaxRetries    int
	BaseDelay     time.Duration // delay before the first retry
	MaxDelay      time.Duration // cap on any single delay
	BackoffFactor float64       // multiplier per attempt
	Jitter        bool          // perturb each delay by ±10%
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	} else if p.MaxRetries == 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.BackoffFactor <= 1 {
		p.BackoffFactor = defaultBackoffFactor
	}
	return p
}

// Delay returns the backoff delay before retry attempt k (k >= 1):
// min(BaseDelay * BackoffFactor^(k-1), MaxDelay), jittered when enabled.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffFactor
		if d >= float64(p.MaxDelay) {
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d += d * jitterFraction * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Do runs op, retrying on failures the classifier accepts, up to
// policy.MaxRetries additional attempts. Non-retryable errors are returned
// immediately. After exhausting retries the last error is returned
// unchanged, never wrapped, so callers can match on its kind. Backoff
// sleeps respect ctx cancellation.
func Do[T any](ctx context.Context, policy Policy, retryable Classifier, op func(context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()
	if retryable == nil {
		retryable = domain.IsRetryable
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Delay(attempt)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, lastErr
		}
	}
	return zero, lastErr
}
