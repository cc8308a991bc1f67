package download_test

import (
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchdl/batchdl/internal/download"
	"github.com/batchdl/batchdl/internal/errors"
	"github.com/batchdl/batchdl/internal/status"
)

func newItem(t *testing.T) *download.Download {
	t.Helper()
	return download.New("res-1", "http://example.com/a.mp4", status.ResourceVideo, status.PriorityNormal, 3)
}

func TestHappyPathTransitions(t *testing.T) {
	d := newItem(t)
	assert.Equal(t, status.Pending, d.Status())

	require.NoError(t, d.TransitionTo(status.Queued))
	require.NoError(t, d.TransitionTo(status.Downloading))
	require.NoError(t, d.TransitionTo(status.Processing))
	require.NoError(t, d.TransitionTo(status.Completed))

	assert.True(t, d.Status().IsTerminal())

	stats := d.GetStats()
	assert.False(t, stats.StartedAt.IsZero())
	assert.False(t, stats.CompletedAt.IsZero())
	assert.GreaterOrEqual(t, d.Duration(), time.Duration(0))
}

func TestInvalidTransitionsRejected(t *testing.T) {
	d := newItem(t)

	// pending cannot jump straight to downloading
	err := d.TransitionTo(status.Downloading)
	assert.ErrorIs(t, err, download.ErrInvalidTransition)

	require.NoError(t, d.TransitionTo(status.Queued))
	require.NoError(t, d.TransitionTo(status.Downloading))
	require.NoError(t, d.TransitionTo(status.Completed))

	// terminal states refuse everything
	err = d.TransitionTo(status.Failed)
	assert.ErrorIs(t, err, download.ErrInvalidTransition)
	assert.Equal(t, status.Completed, d.Status())
}

func TestCancellationFromAnyNonTerminalState(t *testing.T) {
	for _, setup := range [][]status.Status{
		{}, // pending
		{status.Queued},
		{status.Queued, status.Downloading},
		{status.Queued, status.Downloading, status.Processing},
	} {
		d := newItem(t)
		for _, s := range setup {
			require.NoError(t, d.TransitionTo(s))
		}

		require.NoError(t, d.TransitionTo(status.Cancelled))
		assert.Equal(t, status.Cancelled, d.Status())
	}
}

func TestCancelAfterTerminalIsNoop(t *testing.T) {
	d := newItem(t)
	require.NoError(t, d.TransitionTo(status.Queued))
	require.NoError(t, d.TransitionTo(status.Downloading))
	require.NoError(t, d.TransitionTo(status.Completed))

	err := d.TransitionTo(status.Cancelled)
	assert.Error(t, err)
	assert.Equal(t, status.Completed, d.Status())
}

func TestFailedMayRequeue(t *testing.T) {
	d := newItem(t)
	require.NoError(t, d.TransitionTo(status.Queued))
	require.NoError(t, d.TransitionTo(status.Downloading))
	require.NoError(t, d.TransitionTo(status.Failed))

	require.NoError(t, d.TransitionTo(status.Queued))
	assert.Equal(t, status.Queued, d.Status())
}

func TestExpiryOnlyBeforeExecution(t *testing.T) {
	d := newItem(t)
	require.NoError(t, d.TransitionTo(status.Expired))
	assert.Equal(t, status.Expired, d.Status())

	d = newItem(t)
	require.NoError(t, d.TransitionTo(status.Queued))
	require.NoError(t, d.TransitionTo(status.Downloading))
	assert.Error(t, d.TransitionTo(status.Expired))
}

func TestProgressOnlyWhileDownloading(t *testing.T) {
	d := newItem(t)

	d.UpdateProgress(10, 100, 5)
	assert.Zero(t, d.GetStats().DownloadedBytes, "progress before downloading must be dropped")

	require.NoError(t, d.TransitionTo(status.Queued))
	require.NoError(t, d.TransitionTo(status.Downloading))

	d.UpdateProgress(10, 100, 5)
	stats := d.GetStats()
	assert.Equal(t, int64(10), stats.DownloadedBytes)
	assert.InDelta(t, 10.0, stats.Progress, 0.001)

	require.NoError(t, d.TransitionTo(status.Completed))

	// late update after terminal transition is dropped
	d.UpdateProgress(90, 100, 5)
	assert.Equal(t, int64(10), d.GetStats().DownloadedBytes)
}

func TestProgressMonotonic(t *testing.T) {
	d := newItem(t)
	require.NoError(t, d.TransitionTo(status.Queued))
	require.NoError(t, d.TransitionTo(status.Downloading))

	d.UpdateProgress(50, 100, 10)
	d.UpdateProgress(20, 100, 10) // out of order, dropped
	assert.Equal(t, int64(50), d.GetStats().DownloadedBytes)

	// downloadedBytes never exceeds the known size
	d.UpdateProgress(500, 100, 10)
	assert.Equal(t, int64(100), d.GetStats().DownloadedBytes)
}

func TestRetryBudget(t *testing.T) {
	d := download.New("res", "http://example.com", status.ResourceImage, status.PriorityLow, 2)

	require.NoError(t, d.IncrementRetry())
	require.NoError(t, d.IncrementRetry())
	assert.Error(t, d.IncrementRetry())
	assert.Equal(t, 2, d.RetryCount())
}

func TestStatsCarryLastError(t *testing.T) {
	d := newItem(t)
	d.SetError(errors.NewNetworkError(stderrors.New("reset"), d.URL, true))

	stats := d.GetStats()
	assert.Equal(t, "network_error", stats.ErrorCode)
	assert.True(t, stats.Retryable)
	assert.Contains(t, stats.ErrorMessage, "reset")
}

func TestSerializationRoundTrip(t *testing.T) {
	d := newItem(t)
	d.Metadata = map[string]string{"origin": "playlist-7"}
	require.NoError(t, d.TransitionTo(status.Queued))
	require.NoError(t, d.TransitionTo(status.Downloading))
	d.UpdateProgress(40, 100, 8)

	data, err := json.Marshal(d)
	require.NoError(t, err)

	var restored download.Download
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, d.ID, restored.ID)
	assert.Equal(t, "playlist-7", restored.Metadata["origin"])
	assert.Equal(t, int64(40), restored.GetStats().DownloadedBytes)
	// in-flight items restore as queued
	assert.Equal(t, status.Queued, restored.Status())
}

func TestFailedItemRoundTripKeepsErrorDetail(t *testing.T) {
	d := newItem(t)
	require.NoError(t, d.TransitionTo(status.Queued))
	require.NoError(t, d.TransitionTo(status.Downloading))
	d.SetError(errors.NewHTTPError(stderrors.New("too many requests"), d.URL, 429, 30*time.Second))
	require.NoError(t, d.TransitionTo(status.Failed))

	data, err := json.Marshal(d)
	require.NoError(t, err)

	var restored download.Download
	require.NoError(t, json.Unmarshal(data, &restored))

	last := restored.LastError()
	require.NotNil(t, last)
	assert.Equal(t, "http_429", last.Code)
	assert.Equal(t, errors.CategoryNetwork, last.Category)
	assert.True(t, last.Retryable)
	assert.Equal(t, 30*time.Second, last.RetryAfter)

	// The taxonomy helpers must work on the restored record too.
	assert.True(t, errors.IsRetryable(last))
	assert.True(t, restored.GetStats().Retryable)
}
