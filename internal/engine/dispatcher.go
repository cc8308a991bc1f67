package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batchdl/batchdl/internal/batch"
	"github.com/batchdl/batchdl/internal/download"
	"github.com/batchdl/batchdl/internal/errors"
	"github.com/batchdl/batchdl/internal/fetcher"
	"github.com/batchdl/batchdl/internal/logger"
	"github.com/batchdl/batchdl/internal/status"
)

// completion is the result of one worker run.
type completion struct {
	entry *queueEntry
	err   error
}

// pendingRetry tracks a failed item waiting for its backoff to elapse.
type pendingRetry struct {
	timer   *time.Timer
	batchID uuid.UUID
}

// Dispatcher admits queued items into a bounded worker pool, ordered by
// priority, under per-batch concurrency and resource budgets. It is the only
// component that moves items from queued to downloading.
type Dispatcher struct {
	engine   *Engine
	fetch    fetcher.Fetcher
	poolSize int

	mu             sync.Mutex
	queue          *itemQueue
	cancels        map[uuid.UUID]context.CancelFunc
	activePerBatch map[uuid.UUID]int
	activeTotal    int
	retries        map[uuid.UUID]*pendingRetry // item id
	retriesByBatch map[uuid.UUID]int           // batch id → scheduled retries

	completionCh chan completion
	wakeCh       chan struct{}
}

// newDispatcher creates a dispatcher with a fixed worker pool size.
func newDispatcher(engine *Engine, fetch fetcher.Fetcher, poolSize int) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 1
	}

	return &Dispatcher{
		engine:         engine,
		fetch:          fetch,
		poolSize:       poolSize,
		queue:          newItemQueue(),
		cancels:        make(map[uuid.UUID]context.CancelFunc),
		activePerBatch: make(map[uuid.UUID]int),
		retries:        make(map[uuid.UUID]*pendingRetry),
		retriesByBatch: make(map[uuid.UUID]int),
		completionCh:   make(chan completion, 2*poolSize),
		wakeCh:         make(chan struct{}, 1),
	}
}

// Start begins processing completions and budget-release wakeups.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case c := <-d.completionCh:
			d.handleCompletion(c)
		case <-d.wakeCh:
			d.fillSlots()
		case <-ctx.Done():
			return
		}
	}
}

// Wake asks the dispatcher to re-attempt admission. Non-blocking; used as
// the limiter's budget-release hook.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Enqueue moves an item into the queue and tries to admit work.
func (d *Dispatcher) Enqueue(b *batch.Batch, item *download.Download) {
	if err := d.engine.applyTransition(b, item, status.Queued); err != nil {
		logger.Debugf("item %s not enqueued: %v", item.ID, err)
		return
	}

	d.mu.Lock()
	d.queue.Push(item, b)
	d.mu.Unlock()

	d.engine.evaluateBatch(b)
	d.fillSlots()
}

// ActiveCount returns the number of items currently holding worker slots.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.activeTotal
}

// QueuedCount returns the number of items waiting for admission.
func (d *Dispatcher) QueuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.queue.Len()
}

// pendingRetryCount returns how many retries are still scheduled for a batch.
func (d *Dispatcher) pendingRetryCount(batchID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.retriesByBatch[batchID]
}

// fillSlots admits eligible items until the pool, the per-batch concurrency
// or the resource budget is exhausted. Items that cannot run right now stay
// queued and are reconsidered on the next wakeup.
func (d *Dispatcher) fillSlots() {
	d.mu.Lock()
	started := d.fillSlotsLocked()
	d.mu.Unlock()

	for _, b := range started {
		d.engine.evaluateBatch(b)
	}
}

func (d *Dispatcher) fillSlotsLocked() []*batch.Batch {
	var (
		deferred []*queueEntry
		started  []*batch.Batch
	)

	for d.activeTotal < d.poolSize {
		entry := d.queue.Pop()
		if entry == nil {
			break
		}

		item, b := entry.item, entry.batch

		// The item may have been cancelled or expired while queued.
		if item.Status() != status.Queued {
			continue
		}
		if b.Status().IsTerminal() {
			continue
		}
		if b.Paused() {
			deferred = append(deferred, entry)
			continue
		}

		concurrency := b.Config.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		if d.activePerBatch[b.ID] >= concurrency {
			deferred = append(deferred, entry)
			continue
		}

		if !b.Limiter.Reserve(item.Usage()) {
			deferred = append(deferred, entry)
			continue
		}

		if err := d.engine.applyTransition(b, item, status.Downloading); err != nil {
			b.Limiter.Release(item.Usage())
			continue
		}

		ctx, cancel := context.WithCancel(d.engine.ctx)
		d.cancels[item.ID] = cancel
		d.activePerBatch[b.ID]++
		d.activeTotal++

		started = append(started, b)

		d.engine.runTask(func() {
			d.runItem(ctx, entry)
		})
	}

	for _, entry := range deferred {
		d.queue.pushEntry(entry)
	}

	return started
}

// runItem executes the fetch for one admitted item in a worker goroutine.
func (d *Dispatcher) runItem(ctx context.Context, entry *queueEntry) {
	item, b := entry.item, entry.batch

	runCtx := ctx
	if timeout := b.Config.ItemTimeout; timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reporter := d.engine.reporterFor(b.ID)

	err := d.fetch.Fetch(runCtx, item, func(downloaded, total, speed int64) {
		item.UpdateProgress(downloaded, total, speed)
		if speed > 0 {
			reporter.RecordSpeed(speed)
		}
	})

	// An expired per-item deadline is a retryable timeout failure, not a
	// cancellation, unless the parent context died with it.
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = errors.NewTimeoutError(item.URL)
	}

	select {
	case d.completionCh <- completion{entry: entry, err: err}:
	case <-d.engine.ctx.Done():
	}
}

// handleCompletion releases the slot and budget, settles the item's final
// state and immediately tries to admit the next eligible item.
func (d *Dispatcher) handleCompletion(c completion) {
	item, b := c.entry.item, c.entry.batch

	d.mu.Lock()
	if cancel, ok := d.cancels[item.ID]; ok {
		cancel()
		delete(d.cancels, item.ID)
	}
	d.activePerBatch[b.ID]--
	if d.activePerBatch[b.ID] <= 0 {
		delete(d.activePerBatch, b.ID)
	}
	d.activeTotal--
	d.mu.Unlock()

	b.Limiter.Release(item.Usage())

	d.settle(b, item, c.err)

	d.engine.evaluateBatch(b)
	d.fillSlots()
}

// settle applies the worker outcome to the item. Races with cancellation are
// resolved by whichever transition landed first; the loser is a no-op.
func (d *Dispatcher) settle(b *batch.Batch, item *download.Download, err error) {
	switch {
	case err == nil:
		if e := d.engine.applyTransition(b, item, status.Processing); e != nil {
			return
		}
		if e := d.engine.applyTransition(b, item, status.Completed); e != nil {
			return
		}

		reporter := d.engine.reporterFor(b.ID)
		reporter.RecordDuration(item.Duration())

		stats := item.GetStats()
		if stats.Speed > 0 {
			reporter.RecordSpeed(stats.Speed)
		}

	case errors.Is(err, fetcher.ErrSkip):
		_ = d.engine.applyTransition(b, item, status.Skipped)

	case errors.Is(err, context.Canceled):
		_ = d.engine.applyTransition(b, item, status.Cancelled)

	default:
		d.settleFailure(b, item, err)
	}
}

func (d *Dispatcher) settleFailure(b *batch.Batch, item *download.Download, err error) {
	dlErr := classify(err, item.URL)
	item.SetError(dlErr)

	if errors.IsCritical(dlErr) {
		b.MarkCritical()
	}

	if e := d.engine.applyTransition(b, item, status.Failed); e != nil {
		return
	}

	decision := b.Config.RetryPolicy.Decide(dlErr, item.RetryCount())
	if !decision.Retry {
		return
	}
	if e := item.IncrementRetry(); e != nil {
		return
	}

	logger.Infof("retrying item %s in %s (attempt %d/%d)", item.ID, decision.Delay, item.RetryCount(), item.MaxRetries)
	d.scheduleRetry(b, item, decision.Delay)
}

// scheduleRetry re-enqueues the item no earlier than now + delay, at its
// original priority. The pending retry keeps the batch non-terminal.
func (d *Dispatcher) scheduleRetry(b *batch.Batch, item *download.Download, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.retriesByBatch[b.ID]++
	d.retries[item.ID] = &pendingRetry{
		batchID: b.ID,
		timer: time.AfterFunc(delay, func() {
			d.requeue(b, item)
		}),
	}
}

func (d *Dispatcher) requeue(b *batch.Batch, item *download.Download) {
	d.mu.Lock()
	if _, ok := d.retries[item.ID]; !ok {
		// The retry was cancelled while the timer fired.
		d.mu.Unlock()
		return
	}
	delete(d.retries, item.ID)

	// The item must be back in a non-terminal state before the pending-retry
	// count is dropped: anything evaluating the batch in between would see
	// every item terminal with no retry owed and settle the batch under us.
	// Both steps stay inside one critical section with pendingRetryCount.
	requeued := false
	if !b.Status().IsTerminal() {
		if err := d.engine.applyTransition(b, item, status.Queued); err == nil {
			d.queue.Push(item, b)
			requeued = true
		}
	}
	d.dropBatchRetryLocked(b.ID)
	d.mu.Unlock()

	d.engine.evaluateBatch(b)

	if requeued {
		d.fillSlots()
	}
}

func (d *Dispatcher) dropBatchRetryLocked(batchID uuid.UUID) {
	if d.retriesByBatch[batchID] > 0 {
		d.retriesByBatch[batchID]--
	}
	if d.retriesByBatch[batchID] == 0 {
		delete(d.retriesByBatch, batchID)
	}
}

// CancelItem stops one item: queued items leave the queue directly, running
// items get their context cancelled and settle through the completion path.
func (d *Dispatcher) CancelItem(b *batch.Batch, item *download.Download) {
	d.mu.Lock()
	d.queue.Remove(item.ID)
	d.stopRetryLocked(item.ID)
	cancel, running := d.cancels[item.ID]
	d.mu.Unlock()

	if running {
		cancel()
		return
	}

	_ = d.engine.applyTransition(b, item, status.Cancelled)
}

// CancelBatchItems cascades cancellation to every non-terminal item of the
// batch. Safe to call repeatedly.
func (d *Dispatcher) CancelBatchItems(b *batch.Batch) {
	items := b.Items()

	d.mu.Lock()
	var (
		cancels []context.CancelFunc
		settle  []*download.Download
	)
	for _, item := range items {
		d.stopRetryLocked(item.ID)

		if cancel, running := d.cancels[item.ID]; running {
			cancels = append(cancels, cancel)
			continue
		}

		st := item.Status()
		if st.IsTerminal() {
			continue
		}

		d.queue.Remove(item.ID)
		settle = append(settle, item)
	}
	d.mu.Unlock()

	for _, item := range settle {
		_ = d.engine.applyTransition(b, item, status.Cancelled)
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// ExpireQueuedItems moves the batch's pending and queued items to expired.
// In-flight items are left to finish.
func (d *Dispatcher) ExpireQueuedItems(b *batch.Batch) {
	items := b.Items()

	d.mu.Lock()
	var expire []*download.Download
	for _, item := range items {
		st := item.Status()
		if st != status.Pending && st != status.Queued {
			continue
		}

		d.queue.Remove(item.ID)
		expire = append(expire, item)
	}
	d.mu.Unlock()

	for _, item := range expire {
		_ = d.engine.applyTransition(b, item, status.Expired)
	}
}

// stopRetryLocked cancels a scheduled retry for the item, if any. Callers
// hold d.mu.
func (d *Dispatcher) stopRetryLocked(itemID uuid.UUID) {
	pending, ok := d.retries[itemID]
	if !ok {
		return
	}

	pending.timer.Stop()
	delete(d.retries, itemID)
	d.dropBatchRetryLocked(pending.batchID)
}

// classify wraps any non-taxonomy error so the retry policy and failure
// policy can reason about it.
func classify(err error, resource string) *errors.DownloadError {
	var dlErr *errors.DownloadError
	if errors.As(err, &dlErr) {
		return dlErr
	}

	return &errors.DownloadError{
		Err:       err,
		Code:      "unknown_error",
		Category:  errors.CategoryUnknown,
		Severity:  errors.SeverityMedium,
		Retryable: false,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}
