package status_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/batchdl/batchdl/internal/status"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []status.Status{
		status.Completed,
		status.Failed,
		status.Cancelled,
		status.Expired,
		status.Skipped,
	}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}

	nonTerminal := []status.Status{
		status.Pending,
		status.Queued,
		status.Downloading,
		status.Processing,
		status.Running,
		status.Paused,
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "expected %s to be non-terminal", s)
	}
}

func TestStatusActive(t *testing.T) {
	assert.True(t, status.Downloading.IsActive())
	assert.True(t, status.Processing.IsActive())
	assert.False(t, status.Queued.IsActive())
	assert.False(t, status.Completed.IsActive())
}

func TestPriorityOrder(t *testing.T) {
	assert.Greater(t, status.PriorityUrgent, status.PriorityHigh)
	assert.Greater(t, status.PriorityHigh, status.PriorityNormal)
	assert.Greater(t, status.PriorityNormal, status.PriorityLow)
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, status.PriorityLow, status.ParsePriority("low"))
	assert.Equal(t, status.PriorityUrgent, status.ParsePriority("urgent"))
	assert.Equal(t, status.PriorityNormal, status.ParsePriority("normal"))
	assert.Equal(t, status.PriorityNormal, status.ParsePriority("bogus"))
}

func TestResourceTypeValid(t *testing.T) {
	assert.True(t, status.ResourceVideo.Valid())
	assert.True(t, status.ResourceArchive.Valid())
	assert.False(t, status.ResourceType("torrent").Valid())
	assert.False(t, status.ResourceType("").Valid())
}
