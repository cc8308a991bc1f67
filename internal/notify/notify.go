package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batchdl/batchdl/internal/logger"
)

// Event identifies a batch lifecycle milestone.
type Event string

const (
	EventBatchStarted   Event = "batch_started"
	EventBatchProgress  Event = "batch_progress"
	EventBatchCompleted Event = "batch_completed"
	EventBatchFailed    Event = "batch_failed"
	EventBatchCancelled Event = "batch_cancelled"
	EventBatchExpired   Event = "batch_expired"
)

// Policy configures which milestones a batch reports.
type Policy struct {
	NotifyOnStart      bool    `json:"notifyOnStart"      yaml:"notifyOnStart"`
	NotifyOnCompletion bool    `json:"notifyOnCompletion" yaml:"notifyOnCompletion"`
	ProgressInterval   float64 `json:"progressInterval"   yaml:"progressInterval"` // percent, 0 disables
}

// Notification is the payload handed to the delivery collaborator.
type Notification struct {
	BatchID        uuid.UUID `json:"batchId"`
	Event          Event     `json:"event"`
	Timestamp      time.Time `json:"timestamp"`
	TotalItems     int       `json:"totalItems"`
	CompletedItems int       `json:"completedItems"`
	FailedItems    int       `json:"failedItems"`
	Progress       float64   `json:"progress"`
}

// Deliverer transports notifications to their destination (webhook queue,
// message bus). Durable retry is its problem, not ours.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// Trigger watches batch transitions and emits each milestone at most once.
type Trigger struct {
	deliverer Deliverer

	mu    sync.Mutex
	seen  map[uuid.UUID]map[Event]struct{}
	marks map[uuid.UUID]float64 // last progress milestone emitted, percent
}

// NewTrigger creates a trigger emitting through the given deliverer.
func NewTrigger(deliverer Deliverer) *Trigger {
	return &Trigger{
		deliverer: deliverer,
		seen:      make(map[uuid.UUID]map[Event]struct{}),
		marks:     make(map[uuid.UUID]float64),
	}
}

// Emit fires a lifecycle event once per batch. Repeated calls for the same
// (batch, event) pair are no-ops. Progress events go through EmitProgress.
func (t *Trigger) Emit(ctx context.Context, policy Policy, n Notification) {
	if t == nil || t.deliverer == nil {
		return
	}

	switch n.Event {
	case EventBatchStarted:
		if !policy.NotifyOnStart {
			return
		}
	case EventBatchCompleted, EventBatchFailed, EventBatchCancelled, EventBatchExpired:
		if !policy.NotifyOnCompletion {
			return
		}
	case EventBatchProgress:
		t.EmitProgress(ctx, policy, n)
		return
	}

	t.mu.Lock()
	events := t.seen[n.BatchID]
	if events == nil {
		events = make(map[Event]struct{})
		t.seen[n.BatchID] = events
	}
	if _, dup := events[n.Event]; dup {
		t.mu.Unlock()
		return
	}
	events[n.Event] = struct{}{}
	t.mu.Unlock()

	t.deliver(ctx, n)
}

// EmitProgress fires a progress notification when the batch crosses the next
// configured milestone, at most once per crossing.
func (t *Trigger) EmitProgress(ctx context.Context, policy Policy, n Notification) {
	if t == nil || t.deliverer == nil || policy.ProgressInterval <= 0 {
		return
	}

	t.mu.Lock()
	last := t.marks[n.BatchID]
	next := last + policy.ProgressInterval
	if n.Progress < next || n.Progress >= 100 {
		// Terminal events cover the 100% mark.
		t.mu.Unlock()
		return
	}
	// Skip over any milestones crossed in one jump.
	for next+policy.ProgressInterval <= n.Progress {
		next += policy.ProgressInterval
	}
	t.marks[n.BatchID] = next
	t.mu.Unlock()

	t.deliver(ctx, n)
}

// Forget drops milestone bookkeeping for a batch. Called on cleanup.
func (t *Trigger) Forget(batchID uuid.UUID) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.seen, batchID)
	delete(t.marks, batchID)
}

// deliver hands the payload off asynchronously. Delivery failure is logged
// and dropped; the delivery collaborator owns durable retry.
func (t *Trigger) deliver(ctx context.Context, n Notification) {
	n.Timestamp = time.Now()

	go func() {
		if err := t.deliverer.Deliver(ctx, n); err != nil {
			logger.Warnf("notification %s for batch %s not delivered: %v", n.Event, n.BatchID, err)
		}
	}()
}
