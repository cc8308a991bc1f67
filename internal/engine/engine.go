package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/batchdl/batchdl/internal/batch"
	"github.com/batchdl/batchdl/internal/download"
	"github.com/batchdl/batchdl/internal/fetcher"
	"github.com/batchdl/batchdl/internal/logger"
	"github.com/batchdl/batchdl/internal/metrics"
	"github.com/batchdl/batchdl/internal/notify"
	"github.com/batchdl/batchdl/internal/repository"
	"github.com/batchdl/batchdl/internal/retry"
	"github.com/batchdl/batchdl/internal/status"
)

// DefaultPoolSize is the global worker pool size used when none is configured.
const DefaultPoolSize = 8

// Options tunes engine-wide behavior. Zero values fall back to defaults.
type Options struct {
	// PoolSize bounds the number of items downloading at once across all
	// batches.
	PoolSize int

	// DefaultConcurrency applies to batches that do not set their own.
	DefaultConcurrency int

	// DefaultRetry applies to batches that do not set a retry policy.
	DefaultRetry retry.Policy
}

// Engine orchestrates batches end to end: admission, execution, retries,
// aggregation, notifications and persistence.
type Engine struct {
	opts       Options
	repo       repository.Repository
	trigger    *notify.Trigger
	dispatcher *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.RWMutex
	batches   map[uuid.UUID]*batch.Batch
	items     map[uuid.UUID]*download.Download
	reporters map[uuid.UUID]*metrics.Reporter
	timers    map[uuid.UUID][]*time.Timer
}

// New creates an engine. repo may be nil to run without persistence;
// deliverer may be nil to run without notifications.
func New(opts Options, repo repository.Repository, fetch fetcher.Fetcher, deliverer notify.Deliverer) *Engine {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = 1
	}
	if opts.DefaultRetry == (retry.Policy{}) {
		opts.DefaultRetry = retry.DefaultPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		opts:      opts,
		repo:      repo,
		trigger:   notify.NewTrigger(deliverer),
		cancel:    cancel,
		batches:   make(map[uuid.UUID]*batch.Batch),
		items:     make(map[uuid.UUID]*download.Download),
		reporters: make(map[uuid.UUID]*metrics.Reporter),
		timers:    make(map[uuid.UUID][]*time.Timer),
	}
	e.group, e.ctx = errgroup.WithContext(ctx)
	e.dispatcher = newDispatcher(e, fetch, opts.PoolSize)

	return e
}

// Start restores persisted state and begins dispatching. Call once.
func (e *Engine) Start() error {
	if err := e.restore(); err != nil {
		return err
	}

	e.dispatcher.Start(e.ctx)

	return nil
}

// Shutdown stops admission, aborts in-flight work and persists final
// snapshots. It blocks until workers drain or ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf("shutdown deadline reached with workers still running")
	}

	e.mu.Lock()
	for id, timers := range e.timers {
		for _, t := range timers {
			t.Stop()
		}
		delete(e.timers, id)
	}
	batches := make([]*batch.Batch, 0, len(e.batches))
	for _, b := range e.batches {
		batches = append(batches, b)
	}
	items := make([]*download.Download, 0, len(e.items))
	for _, item := range e.items {
		items = append(items, item)
	}
	e.mu.Unlock()

	for _, item := range items {
		e.saveDownload(item)
	}
	for _, b := range batches {
		e.saveBatch(b)
	}

	if e.repo != nil {
		return e.repo.Close()
	}

	return ctx.Err()
}

// runTask runs fn on the engine's worker group.
func (e *Engine) runTask(fn func()) {
	e.group.Go(func() error {
		fn()
		return nil
	})
}

// restore reloads batches and their items from the repository. Items that
// were mid-flight when the process died come back queued and re-enter the
// dispatch queue.
func (e *Engine) restore() error {
	if e.repo == nil {
		return nil
	}

	records, err := e.repo.FindAllBatches()
	if err != nil {
		return err
	}

	downloads, err := e.repo.FindAllDownloads()
	if err != nil {
		return err
	}

	byID := make(map[uuid.UUID]*download.Download, len(downloads))
	for _, d := range downloads {
		byID[d.ID] = d
	}

	for id, data := range records {
		ids, err := batch.ItemIDsFromRecord(data)
		if err != nil {
			logger.Errorf("skipping unreadable batch record %s: %v", id, err)
			continue
		}

		items := make([]*download.Download, 0, len(ids))
		for _, itemID := range ids {
			item, ok := byID[itemID]
			if !ok {
				logger.Warnf("batch %s references missing download %s", id, itemID)
				continue
			}
			items = append(items, item)
		}

		b, err := batch.Restore(data, items, e.dispatcher.Wake)
		if err != nil {
			logger.Errorf("skipping corrupt batch record %s: %v", id, err)
			continue
		}

		e.mu.Lock()
		e.batches[b.ID] = b
		for _, item := range items {
			e.items[item.ID] = item
		}
		e.reporters[b.ID] = metrics.NewReporter()
		e.mu.Unlock()

		if b.Status().IsTerminal() {
			continue
		}

		e.armBatchTimers(b)

		for _, item := range b.Items() {
			switch item.Status() {
			case status.Pending, status.Queued:
				e.dispatcher.Enqueue(b, item)
			}
		}

		e.evaluateBatch(b)
	}

	logger.Infof("restored %d batches, %d downloads", len(records), len(downloads))

	return nil
}

// applyTransition moves one item and its batch counters together, then
// persists the item. Invalid transitions (usually a lost race against
// cancellation) are returned to the caller, which treats them as "someone
// else settled this item first".
func (e *Engine) applyTransition(b *batch.Batch, item *download.Download, next status.Status) error {
	old, err := item.Transition(next)
	if err != nil {
		return err
	}

	if old != next {
		b.OnItemTransition(old, next)
	}

	e.saveDownload(item)

	return nil
}

// evaluateBatch re-derives the batch status after item movement, applies the
// failure policy, emits milestone notifications and persists the batch.
func (e *Engine) evaluateBatch(b *batch.Batch) {
	prev := b.Status()
	cur := b.Evaluate(e.dispatcher.pendingRetryCount(b.ID))

	if cur != prev && b.ShouldStopEarly() {
		// The failure policy just stopped the batch; cancel what remains.
		e.dispatcher.CancelBatchItems(b)
		cur = b.Evaluate(e.dispatcher.pendingRetryCount(b.ID))
	}

	policy := b.Config.Notifications

	if cur != prev {
		switch {
		case cur == status.Running && prev != status.Running:
			e.trigger.Emit(e.ctx, policy, b.Notification(notify.EventBatchStarted))
		case cur.IsTerminal():
			e.trigger.Emit(e.ctx, policy, b.Notification(terminalEvent(cur)))
			e.finishBatch(b)
		}
	}

	e.trigger.EmitProgress(e.ctx, policy, b.Notification(notify.EventBatchProgress))

	e.saveBatch(b)
}

func terminalEvent(s status.Status) notify.Event {
	switch s {
	case status.Completed:
		return notify.EventBatchCompleted
	case status.Failed:
		return notify.EventBatchFailed
	case status.Cancelled:
		return notify.EventBatchCancelled
	case status.Expired:
		return notify.EventBatchExpired
	default:
		return ""
	}
}

// finishBatch stops the batch's deadline timers once it is terminal.
func (e *Engine) finishBatch(b *batch.Batch) {
	e.mu.Lock()
	timers := e.timers[b.ID]
	delete(e.timers, b.ID)
	e.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

// armBatchTimers schedules the batch timeout and queue deadline, if set.
func (e *Engine) armBatchTimers(b *batch.Batch) {
	var timers []*time.Timer

	if d := b.Config.BatchTimeout; d > 0 {
		timers = append(timers, time.AfterFunc(time.Until(b.CreatedAt.Add(d)), func() {
			e.timeoutBatch(b)
		}))
	}

	if deadline := b.Config.QueueDeadline; !deadline.IsZero() {
		timers = append(timers, time.AfterFunc(time.Until(deadline), func() {
			e.expireBatch(b)
		}))
	}

	if len(timers) == 0 {
		return
	}

	e.mu.Lock()
	e.timers[b.ID] = timers
	e.mu.Unlock()
}

// timeoutBatch cancels a batch whose overall timeout elapsed.
func (e *Engine) timeoutBatch(b *batch.Batch) {
	if b.Status().IsTerminal() {
		return
	}

	logger.Warnf("batch %s exceeded its timeout, cancelling", b.ID)
	e.cancelBatch(b)
}

// expireBatch expires the batch's waiting items once its queue deadline
// passes. Items already downloading are left to finish.
func (e *Engine) expireBatch(b *batch.Batch) {
	if b.Status().IsTerminal() {
		return
	}

	logger.Infof("batch %s reached its queue deadline", b.ID)
	e.dispatcher.ExpireQueuedItems(b)
	e.evaluateBatch(b)
}

// cancelBatch pins the batch to cancelled and cascades to its items. Safe to
// call on an already terminal batch. ForceStatus returning true means this
// call won the transition, so the cancelled event fires exactly once here
// rather than through evaluateBatch, which only reacts to status changes it
// derives itself.
func (e *Engine) cancelBatch(b *batch.Batch) {
	if !b.ForceStatus(status.Cancelled) {
		return
	}

	e.dispatcher.CancelBatchItems(b)

	e.trigger.Emit(e.ctx, b.Config.Notifications, b.Notification(notify.EventBatchCancelled))
	e.finishBatch(b)
	e.saveBatch(b)
}

// reporterFor returns the metrics reporter for a batch, creating it if the
// batch is new.
func (e *Engine) reporterFor(batchID uuid.UUID) *metrics.Reporter {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.reporters[batchID]
	if !ok {
		r = metrics.NewReporter()
		e.reporters[batchID] = r
	}

	return r
}

func (e *Engine) saveDownload(item *download.Download) {
	if e.repo == nil {
		return
	}

	if err := e.repo.SaveDownload(item); err != nil {
		logger.Errorf("failed to persist download %s: %v", item.ID, err)
	}
}

func (e *Engine) saveBatch(b *batch.Batch) {
	if e.repo == nil {
		return
	}

	if err := e.repo.SaveBatch(b); err != nil {
		logger.Errorf("failed to persist batch %s: %v", b.ID, err)
	}
}
