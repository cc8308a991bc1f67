package batch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batchdl/batchdl/internal/download"
	"github.com/batchdl/batchdl/internal/errors"
	"github.com/batchdl/batchdl/internal/limiter"
	"github.com/batchdl/batchdl/internal/notify"
	"github.com/batchdl/batchdl/internal/retry"
	"github.com/batchdl/batchdl/internal/status"
)

// ErrItemNotFound is returned when a download id does not belong to the batch.
var ErrItemNotFound = errors.New("item not found in batch")

// FailurePolicy decides how item failures affect the whole batch.
type FailurePolicy struct {
	ContinueOnFailure     bool    `json:"continueOnFailure"     yaml:"continueOnFailure"`
	MaxFailureRate        float64 `json:"maxFailureRate"        yaml:"maxFailureRate"` // 0..1
	StopOnCriticalFailure bool    `json:"stopOnCriticalFailure" yaml:"stopOnCriticalFailure"`
}

// Config is the per-batch operation configuration.
type Config struct {
	Concurrency    int            `json:"concurrency"             yaml:"concurrency"`
	ItemTimeout    time.Duration  `json:"itemTimeout,omitempty"   yaml:"itemTimeout"`
	BatchTimeout   time.Duration  `json:"batchTimeout,omitempty"  yaml:"batchTimeout"`
	QueueDeadline  time.Time      `json:"queueDeadline,omitempty" yaml:"-"`
	RetryPolicy    retry.Policy   `json:"retryPolicy"             yaml:"retryPolicy"`
	FailurePolicy  FailurePolicy  `json:"failurePolicy"           yaml:"failurePolicy"`
	ResourceLimits limiter.Limits `json:"resourceLimits"          yaml:"resourceLimits"`
	Notifications  notify.Policy  `json:"notifications"           yaml:"notifications"`
}

// Counters is a snapshot of per-status item counts. The buckets always sum
// to Total.
type Counters struct {
	Total       int `json:"totalItems"`
	Pending     int `json:"pendingItems"`
	Queued      int `json:"queuedItems"`
	Downloading int `json:"downloadingItems"`
	Processing  int `json:"processingItems"`
	Completed   int `json:"completedItems"`
	Failed      int `json:"failedItems"`
	Skipped     int `json:"skippedItems"`
	Cancelled   int `json:"cancelledItems"`
	Expired     int `json:"expiredItems"`
}

// Terminal returns how many items have reached a terminal state.
func (c Counters) Terminal() int {
	return c.Completed + c.Failed + c.Skipped + c.Cancelled + c.Expired
}

// Sum re-adds every bucket; used to check the conservation invariant.
func (c Counters) Sum() int {
	return c.Pending + c.Queued + c.Downloading + c.Processing + c.Terminal()
}

// Batch is a named group of download items sharing configuration and
// aggregate status. A batch exclusively owns its items.
type Batch struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Config    Config            `json:"config"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Limiter enforces the batch's resource budget; built at construction.
	Limiter *limiter.Limiter `json:"-"`

	mu       sync.RWMutex
	status   status.Status
	paused   bool
	critical bool
	items    map[uuid.UUID]*download.Download
	order    []uuid.UUID
	counters Counters
}

// New creates a batch that takes ownership of the given items. onRelease is
// forwarded to the resource limiter so the dispatcher can be woken on budget
// release.
func New(batchType string, cfg Config, items []*download.Download, onRelease func()) *Batch {
	b := &Batch{
		ID:        uuid.New(),
		Type:      batchType,
		Config:    cfg,
		CreatedAt: time.Now(),
		Limiter:   limiter.New(cfg.ResourceLimits, onRelease),
		status:    status.Pending,
		items:     make(map[uuid.UUID]*download.Download, len(items)),
		order:     make([]uuid.UUID, 0, len(items)),
	}

	for _, item := range items {
		item.BatchID = b.ID
		b.items[item.ID] = item
		b.order = append(b.order, item.ID)
	}

	b.counters.Total = len(items)
	b.counters.Pending = len(items)

	return b
}

// Status returns the current derived batch status.
func (b *Batch) Status() status.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.status
}

// Counters returns a snapshot of the aggregate item counts.
func (b *Batch) Counters() Counters {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.counters
}

// Item returns a download owned by this batch.
func (b *Batch) Item(id uuid.UUID) (*download.Download, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	item, ok := b.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}

	return item, nil
}

// Items returns the batch's downloads in creation order.
func (b *Batch) Items() []*download.Download {
	b.mu.RLock()
	defer b.mu.RUnlock()

	items := make([]*download.Download, 0, len(b.order))
	for _, id := range b.order {
		items = append(items, b.items[id])
	}

	return items
}

// NonTerminalItems returns the downloads still subject to cancellation.
func (b *Batch) NonTerminalItems() []*download.Download {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var items []*download.Download
	for _, id := range b.order {
		if item := b.items[id]; !item.Status().IsTerminal() {
			items = append(items, item)
		}
	}

	return items
}

// OnItemTransition moves one item between counter buckets. Counter updates
// from different items may land in any order; each one is atomic. The caller
// re-derives the batch status through Evaluate, where it can account for
// retries still scheduled.
func (b *Batch) OnItemTransition(old, next status.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.adjust(old, -1)
	b.adjust(next, +1)
}

func (b *Batch) adjust(s status.Status, delta int) {
	switch s {
	case status.Pending:
		b.counters.Pending += delta
	case status.Queued:
		b.counters.Queued += delta
	case status.Downloading:
		b.counters.Downloading += delta
	case status.Processing:
		b.counters.Processing += delta
	case status.Completed:
		b.counters.Completed += delta
	case status.Failed:
		b.counters.Failed += delta
	case status.Skipped:
		b.counters.Skipped += delta
	case status.Cancelled:
		b.counters.Cancelled += delta
	case status.Expired:
		b.counters.Expired += delta
	}
}

// MarkCritical records that an item failed with a critical error. The flag
// takes effect on the next Evaluate, which the caller runs after settling the
// item, so status derivation stays in one place.
func (b *Batch) MarkCritical() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.critical = true
}

// SetPaused pauses or resumes admission for this batch.
func (b *Batch) SetPaused(paused bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status.IsTerminal() || b.paused == paused {
		return false
	}

	b.paused = paused
	b.deriveNonTerminal()

	return true
}

// Paused reports whether admission is suspended.
func (b *Batch) Paused() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.paused
}

// ForceStatus pins the batch to an externally decided terminal state
// (cancelled on explicit cancel or batch timeout, expired on deadline).
// It is idempotent and a no-op once the batch is terminal.
func (b *Batch) ForceStatus(s status.Status) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status.IsTerminal() {
		return false
	}

	b.status = s

	return true
}

// Evaluate re-derives the batch status. pendingRetries is the number of
// failed items the dispatcher is still going to re-enqueue; they keep the
// batch from going terminal early.
func (b *Batch) Evaluate(pendingRetries int) status.Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.derive(pendingRetries)

	return b.status
}

// derive recomputes the batch status from the counters. Callers hold b.mu.
func (b *Batch) derive(pendingRetries int) {
	if b.status.IsTerminal() {
		return
	}

	c := b.counters

	// Failure policy: too many failures (or a critical one) stop the batch.
	if b.Config.FailurePolicy.StopOnCriticalFailure {
		if b.critical || b.failureRateExceeded() {
			b.status = status.Failed
			return
		}
	}

	allTerminal := c.Terminal() == c.Total && pendingRetries == 0
	if allTerminal {
		switch {
		case c.Failed > 0 && !b.Config.FailurePolicy.ContinueOnFailure:
			b.status = status.Failed
		case c.Expired == c.Total:
			b.status = status.Expired
		case c.Cancelled > 0 && c.Completed == 0 && c.Skipped == 0 && c.Failed == 0:
			b.status = status.Cancelled
		default:
			// With ContinueOnFailure the batch completes even when some
			// items failed.
			b.status = status.Completed
		}
		return
	}

	b.deriveNonTerminal()
}

// deriveNonTerminal picks the coarse in-flight state. Callers hold b.mu.
func (b *Batch) deriveNonTerminal() {
	c := b.counters

	switch {
	case b.paused:
		b.status = status.Paused
	case c.Downloading > 0 || c.Processing > 0 || c.Terminal() > 0:
		b.status = status.Running
	case c.Queued > 0:
		b.status = status.Queued
	default:
		b.status = status.Pending
	}
}

// failureRateExceeded checks failed/total against the policy's maximum.
// Skipped items are not failures and are excluded from the rate.
func (b *Batch) failureRateExceeded() bool {
	if b.counters.Total == 0 || b.Config.FailurePolicy.MaxFailureRate <= 0 {
		return false
	}

	rate := float64(b.counters.Failed) / float64(b.counters.Total)

	return rate > b.Config.FailurePolicy.MaxFailureRate
}

// ShouldStopEarly reports whether the failure policy demands cancelling the
// remaining work right now.
func (b *Batch) ShouldStopEarly() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.Config.FailurePolicy.StopOnCriticalFailure {
		return false
	}

	return b.critical || b.failureRateExceeded()
}

// Progress computes completion in percent. Failed and skipped items count
// toward completion only when the failure policy continues past failures.
func (b *Batch) Progress() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.progressLocked()
}

func (b *Batch) progressLocked() float64 {
	if b.counters.Total == 0 {
		return 0
	}

	done := b.counters.Completed
	if b.Config.FailurePolicy.ContinueOnFailure {
		done += b.counters.Failed + b.counters.Skipped + b.counters.Expired
	}

	return float64(done) / float64(b.counters.Total) * 100
}

// Notification builds the milestone payload for the current state.
func (b *Batch) Notification(event notify.Event) notify.Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return notify.Notification{
		BatchID:        b.ID,
		Event:          event,
		TotalItems:     b.counters.Total,
		CompletedItems: b.counters.Completed,
		FailedItems:    b.counters.Failed,
		Progress:       b.progressLocked(),
	}
}

// Stats is a point-in-time external view of the batch.
type Stats struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Status    status.Status     `json:"status"`
	Progress  float64           `json:"progress"`
	Counters  Counters          `json:"counters"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// GetStats returns the external snapshot.
func (b *Batch) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		ID:        b.ID,
		Type:      b.Type,
		Status:    b.status,
		Progress:  b.progressLocked(),
		Counters:  b.counters,
		CreatedAt: b.CreatedAt,
		Metadata:  b.Metadata,
	}
}

// record is the serialized shape stored in the repository. Items are stored
// as their own records; the batch keeps only their ids.
type record struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Config    Config            `json:"config"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Status    status.Status     `json:"status"`
	Paused    bool              `json:"paused,omitempty"`
	ItemIDs   []uuid.UUID       `json:"itemIds"`
}

// MarshalJSON serializes a consistent snapshot of the batch.
func (b *Batch) MarshalJSON() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return json.Marshal(record{
		ID:        b.ID,
		Type:      b.Type,
		Config:    b.Config,
		CreatedAt: b.CreatedAt,
		Metadata:  b.Metadata,
		Status:    b.status,
		Paused:    b.paused,
		ItemIDs:   b.order,
	})
}

// ItemIDsFromRecord extracts the owned item ids from a stored batch record.
func ItemIDsFromRecord(data []byte) ([]uuid.UUID, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}

	return r.ItemIDs, nil
}

// Restore rebuilds a batch from its stored record and reloaded items.
func Restore(data []byte, items []*download.Download, onRelease func()) (*Batch, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}

	b := &Batch{
		ID:        r.ID,
		Type:      r.Type,
		Config:    r.Config,
		CreatedAt: r.CreatedAt,
		Metadata:  r.Metadata,
		Limiter:   limiter.New(r.Config.ResourceLimits, onRelease),
		status:    r.Status,
		paused:    r.Paused,
		items:     make(map[uuid.UUID]*download.Download, len(items)),
		order:     make([]uuid.UUID, 0, len(items)),
	}

	b.counters.Total = len(items)
	for _, item := range items {
		item.BatchID = b.ID
		b.items[item.ID] = item
		b.order = append(b.order, item.ID)
		b.adjust(item.Status(), +1)
	}

	return b, nil
}
