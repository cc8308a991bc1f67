package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchdl/batchdl/internal/batch"
	"github.com/batchdl/batchdl/internal/download"
	"github.com/batchdl/batchdl/internal/status"
)

func queueItem(url string, priority status.Priority, createdAt time.Time) *download.Download {
	d := download.New("res", url, status.ResourceImage, priority, 0)
	d.CreatedAt = createdAt

	return d
}

func TestQueueOrdersByPriority(t *testing.T) {
	q := newItemQueue()
	b := batch.New("test", batch.Config{}, nil, nil)
	now := time.Now()

	low := queueItem("low", status.PriorityLow, now)
	urgent := queueItem("urgent", status.PriorityUrgent, now.Add(time.Second))
	normal := queueItem("normal", status.PriorityNormal, now)
	high := queueItem("high", status.PriorityHigh, now)

	q.Push(low, b)
	q.Push(urgent, b)
	q.Push(normal, b)
	q.Push(high, b)

	var urls []string
	for entry := q.Pop(); entry != nil; entry = q.Pop() {
		urls = append(urls, entry.item.URL)
	}

	assert.Equal(t, []string{"urgent", "high", "normal", "low"}, urls)
}

func TestQueueBreaksTiesByCreationTime(t *testing.T) {
	q := newItemQueue()
	b := batch.New("test", batch.Config{}, nil, nil)
	now := time.Now()

	second := queueItem("second", status.PriorityNormal, now.Add(time.Millisecond))
	first := queueItem("first", status.PriorityNormal, now)

	q.Push(second, b)
	q.Push(first, b)

	require.Equal(t, "first", q.Pop().item.URL)
	require.Equal(t, "second", q.Pop().item.URL)
}

func TestQueueEqualItemsKeepEnqueueOrder(t *testing.T) {
	q := newItemQueue()
	b := batch.New("test", batch.Config{}, nil, nil)
	now := time.Now()

	a := queueItem("a", status.PriorityNormal, now)
	c := queueItem("c", status.PriorityNormal, now)

	q.Push(a, b)
	q.Push(c, b)

	require.Equal(t, "a", q.Pop().item.URL)
	require.Equal(t, "c", q.Pop().item.URL)
}

func TestQueueDeferralKeepsPosition(t *testing.T) {
	q := newItemQueue()
	b := batch.New("test", batch.Config{}, nil, nil)
	now := time.Now()

	a := queueItem("a", status.PriorityNormal, now)
	c := queueItem("c", status.PriorityNormal, now)

	q.Push(a, b)
	q.Push(c, b)

	// Admission deferral pops and restores the entry; the original sequence
	// number keeps it ahead of its equal-priority peers.
	entry := q.Pop()
	require.Equal(t, "a", entry.item.URL)
	q.pushEntry(entry)

	require.Equal(t, "a", q.Pop().item.URL)
	require.Equal(t, "c", q.Pop().item.URL)
}

func TestQueueRemoveByID(t *testing.T) {
	q := newItemQueue()
	b := batch.New("test", batch.Config{}, nil, nil)
	now := time.Now()

	a := queueItem("a", status.PriorityNormal, now)
	c := queueItem("c", status.PriorityHigh, now)

	q.Push(a, b)
	q.Push(c, b)

	assert.True(t, q.Contains(a.ID))
	assert.True(t, q.Remove(a.ID))
	assert.False(t, q.Contains(a.ID))
	assert.False(t, q.Remove(a.ID))

	require.Equal(t, "c", q.Pop().item.URL)
	assert.Nil(t, q.Pop())
	assert.Equal(t, 0, q.Len())
}

func TestQueueRepushWhileQueuedIsNoop(t *testing.T) {
	q := newItemQueue()
	b := batch.New("test", batch.Config{}, nil, nil)

	a := queueItem("a", status.PriorityNormal, time.Now())

	q.Push(a, b)
	q.Push(a, b)

	assert.Equal(t, 1, q.Len())
}

func TestQueueForBatch(t *testing.T) {
	q := newItemQueue()
	b1 := batch.New("one", batch.Config{}, nil, nil)
	b2 := batch.New("two", batch.Config{}, nil, nil)
	now := time.Now()

	q.Push(queueItem("a", status.PriorityNormal, now), b1)
	q.Push(queueItem("b", status.PriorityNormal, now), b2)
	q.Push(queueItem("c", status.PriorityNormal, now), b1)

	assert.Len(t, q.ForBatch(b1.ID), 2)
	assert.Len(t, q.ForBatch(b2.ID), 1)
}
