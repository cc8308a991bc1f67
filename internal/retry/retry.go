package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/batchdl/batchdl/internal/errors"
)

// Policy controls how failed download items are retried.
type Policy struct {
	MaxRetries        int           `json:"maxRetries"        yaml:"maxRetries"`
	RetryDelay        time.Duration `json:"retryDelay"        yaml:"retryDelay"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoffMultiplier"`
	MaxRetryDelay     time.Duration `json:"maxRetryDelay"     yaml:"maxRetryDelay"`
}

// DefaultPolicy returns the policy applied when a batch configuration leaves
// the retry section empty.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxRetryDelay:     2 * time.Minute,
	}
}

// Decision is the outcome of a retry check.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide is a pure function: given the error that failed an attempt and the
// number of attempts already made, it decides whether to retry and how long
// to wait. Non-retryable categories never retry regardless of attempt count.
func (p Policy) Decide(err error, attempt int) Decision {
	if err == nil || attempt >= p.MaxRetries {
		return Decision{}
	}

	if !errors.IsRetryable(err) {
		return Decision{}
	}

	delay := p.Backoff(attempt)
	if after := errors.RetryAfter(err); after > delay {
		delay = after
	}

	return Decision{Retry: true, Delay: delay}
}

// Backoff computes the delay before the given attempt is retried, with ±20%
// jitter to avoid thundering herd.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.RetryDelay
	if base <= 0 {
		base = time.Second
	}

	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := time.Duration(float64(base) * math.Pow(multiplier, float64(attempt)))

	maxDelay := p.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	// Jitter between 80% and 120% of the computed delay.
	jitterFactor := 0.8 + 0.4*rand.Float64()
	jittered := time.Duration(float64(delay) * jitterFactor)
	if jittered > maxDelay {
		jittered = maxDelay
	}

	return jittered
}
