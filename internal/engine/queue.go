package engine

import (
	"container/heap"

	"github.com/google/uuid"

	"github.com/batchdl/batchdl/internal/batch"
	"github.com/batchdl/batchdl/internal/download"
)

// queueEntry is one queued item together with its owning batch.
type queueEntry struct {
	item  *download.Download
	batch *batch.Batch
	seq   uint64 // enqueue order, breaks remaining ties
	index int    // heap index, maintained by itemHeap
}

// itemHeap orders entries by priority (urgent first), then item creation
// time, then enqueue order. heap.Interface implementation.
type itemHeap []*queueEntry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]

	if a.item.Priority != b.item.Priority {
		return a.item.Priority > b.item.Priority
	}
	if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
		return a.item.CreatedAt.Before(b.item.CreatedAt)
	}

	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	entry := x.(*queueEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]

	return entry
}

// itemQueue is a stable priority queue over download items with O(log n)
// removal by id. Not safe for concurrent use; the dispatcher serializes
// access.
type itemQueue struct {
	heap    itemHeap
	byID    map[uuid.UUID]*queueEntry
	nextSeq uint64
}

func newItemQueue() *itemQueue {
	return &itemQueue{
		byID: make(map[uuid.UUID]*queueEntry),
	}
}

func (q *itemQueue) Len() int {
	return len(q.heap)
}

// Push enqueues an item. Re-pushing an already queued item is a no-op.
func (q *itemQueue) Push(item *download.Download, b *batch.Batch) {
	if _, exists := q.byID[item.ID]; exists {
		return
	}

	entry := &queueEntry{
		item:  item,
		batch: b,
		seq:   q.nextSeq,
	}
	q.nextSeq++

	q.byID[item.ID] = entry
	heap.Push(&q.heap, entry)
}

// pushEntry restores a previously popped entry, keeping its original
// sequence number so deferral does not reorder equal-priority items.
func (q *itemQueue) pushEntry(entry *queueEntry) {
	if _, exists := q.byID[entry.item.ID]; exists {
		return
	}

	q.byID[entry.item.ID] = entry
	heap.Push(&q.heap, entry)
}

// Pop removes and returns the highest-priority entry, nil when empty.
func (q *itemQueue) Pop() *queueEntry {
	if len(q.heap) == 0 {
		return nil
	}

	entry := heap.Pop(&q.heap).(*queueEntry)
	delete(q.byID, entry.item.ID)

	return entry
}

// Remove drops a queued item by id, reporting whether it was present.
func (q *itemQueue) Remove(id uuid.UUID) bool {
	entry, ok := q.byID[id]
	if !ok {
		return false
	}

	heap.Remove(&q.heap, entry.index)
	delete(q.byID, id)

	return true
}

// Contains reports whether the item is currently queued.
func (q *itemQueue) Contains(id uuid.UUID) bool {
	_, ok := q.byID[id]
	return ok
}

// ForBatch returns the queued entries belonging to one batch.
func (q *itemQueue) ForBatch(batchID uuid.UUID) []*queueEntry {
	var entries []*queueEntry
	for _, entry := range q.heap {
		if entry.batch.ID == batchID {
			entries = append(entries, entry)
		}
	}

	return entries
}
