package retry_test

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/batchdl/batchdl/internal/errors"
	"github.com/batchdl/batchdl/internal/retry"
)

func retryableErr() error {
	return errors.NewNetworkError(stderrors.New("connection reset"), "item", true)
}

func TestDecideGrantsRetryWithinBudget(t *testing.T) {
	policy := retry.Policy{
		MaxRetries:        2,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxRetryDelay:     time.Minute,
	}

	d := policy.Decide(retryableErr(), 0)
	assert.True(t, d.Retry)
	// 1s base with ±20% jitter.
	assert.GreaterOrEqual(t, d.Delay, 800*time.Millisecond)
	assert.LessOrEqual(t, d.Delay, 1200*time.Millisecond)

	d = policy.Decide(retryableErr(), 1)
	assert.True(t, d.Retry)
	// Second attempt doubles: 2s ±20%.
	assert.GreaterOrEqual(t, d.Delay, 1600*time.Millisecond)
	assert.LessOrEqual(t, d.Delay, 2400*time.Millisecond)
}

func TestDecideExhaustedAttempts(t *testing.T) {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = 2

	d := policy.Decide(retryableErr(), 2)
	assert.False(t, d.Retry)

	d = policy.Decide(retryableErr(), 10)
	assert.False(t, d.Retry)
}

func TestDecideNonRetryableCategories(t *testing.T) {
	policy := retry.DefaultPolicy()

	validation := errors.NewValidationError(stderrors.New("bad input"), "item")
	assert.False(t, policy.Decide(validation, 0).Retry)

	system := errors.NewSystemError(stderrors.New("fatal"), "item")
	assert.False(t, policy.Decide(system, 0).Retry)

	assert.False(t, policy.Decide(nil, 0).Retry)
	assert.False(t, policy.Decide(stderrors.New("unclassified"), 0).Retry)
}

func TestDecideHonorsRetryAfter(t *testing.T) {
	policy := retry.Policy{
		MaxRetries:        3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxRetryDelay:     time.Minute,
	}

	err := errors.NewHTTPError(stderrors.New("rate limited"), "item", 429, 10*time.Second)

	d := policy.Decide(err, 0)
	assert.True(t, d.Retry)
	assert.GreaterOrEqual(t, d.Delay, 10*time.Second)
}

func TestBackoffCappedAtMaxDelay(t *testing.T) {
	policy := retry.Policy{
		MaxRetries:        10,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxRetryDelay:     5 * time.Second,
	}

	for attempt := 0; attempt < 10; attempt++ {
		assert.LessOrEqual(t, policy.Backoff(attempt), 5*time.Second)
	}
}

func TestBackoffZeroValueDefaults(t *testing.T) {
	var policy retry.Policy

	d := policy.Backoff(0)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 2*time.Minute)
}
