package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/batchdl/batchdl/internal/batch"
	"github.com/batchdl/batchdl/internal/download"
	"github.com/batchdl/batchdl/internal/errors"
	"github.com/batchdl/batchdl/internal/logger"
	"github.com/batchdl/batchdl/internal/metrics"
	"github.com/batchdl/batchdl/internal/retry"
	"github.com/batchdl/batchdl/internal/status"
)

// ItemRequest describes one download to create.
type ItemRequest struct {
	ResourceID         string              `json:"resourceId"`
	URL                string              `json:"url"`
	ResourceType       status.ResourceType `json:"resourceType"`
	Priority           status.Priority     `json:"priority"`
	Metadata           map[string]string   `json:"metadata,omitempty"`
	EstimatedSize      int64               `json:"estimatedSize,omitempty"`
	EstimatedBandwidth int64               `json:"estimatedBandwidth,omitempty"`
}

// BatchRequest describes a batch to create.
type BatchRequest struct {
	Type     string            `json:"type"`
	Items    []ItemRequest     `json:"items"`
	Config   batch.Config      `json:"config"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (req BatchRequest) validate() error {
	if len(req.Items) == 0 {
		return errors.NewAPIError("invalid_request", "batch must contain at least one item", false)
	}

	for i, item := range req.Items {
		if item.URL == "" {
			return errors.NewAPIError("invalid_request", fmt.Sprintf("item %d: url is required", i), false)
		}
		if item.ResourceType != "" && !item.ResourceType.Valid() {
			return errors.NewAPIError("invalid_request", fmt.Sprintf("item %d: unknown resource type %q", i, item.ResourceType), false)
		}
	}

	fp := req.Config.FailurePolicy
	if fp.MaxFailureRate < 0 || fp.MaxFailureRate > 1 {
		return errors.NewAPIError("invalid_request", "maxFailureRate must be between 0 and 1", false)
	}

	if deadline := req.Config.QueueDeadline; !deadline.IsZero() && deadline.Before(time.Now()) {
		return errors.NewAPIError("invalid_request", "queueDeadline is in the past", false)
	}

	return nil
}

// normalizeConfig fills defaulted batch configuration fields.
func (e *Engine) normalizeConfig(cfg batch.Config) batch.Config {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = e.opts.DefaultConcurrency
	}

	if cfg.RetryPolicy == (retry.Policy{}) {
		cfg.RetryPolicy = e.opts.DefaultRetry
	}
	if cfg.RetryPolicy.MaxRetries < 0 {
		cfg.RetryPolicy.MaxRetries = 0
	}
	if cfg.RetryPolicy.RetryDelay <= 0 {
		cfg.RetryPolicy.RetryDelay = e.opts.DefaultRetry.RetryDelay
	}
	if cfg.RetryPolicy.BackoffMultiplier <= 0 {
		cfg.RetryPolicy.BackoffMultiplier = e.opts.DefaultRetry.BackoffMultiplier
	}
	if cfg.RetryPolicy.MaxRetryDelay <= 0 {
		cfg.RetryPolicy.MaxRetryDelay = e.opts.DefaultRetry.MaxRetryDelay
	}

	return cfg
}

// CreateBatch validates the request, creates the batch with all its items in
// pending state, enqueues them and returns the batch.
func (e *Engine) CreateBatch(req BatchRequest) (*batch.Batch, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	cfg := e.normalizeConfig(req.Config)

	items := make([]*download.Download, 0, len(req.Items))
	for _, ir := range req.Items {
		item := download.New(ir.ResourceID, ir.URL, ir.ResourceType, ir.Priority, cfg.RetryPolicy.MaxRetries)
		item.Metadata = ir.Metadata
		item.EstimatedSize = ir.EstimatedSize
		item.EstimatedBandwidth = ir.EstimatedBandwidth
		items = append(items, item)
	}

	b := batch.New(req.Type, cfg, items, e.dispatcher.Wake)
	b.Metadata = req.Metadata

	e.mu.Lock()
	e.batches[b.ID] = b
	for _, item := range items {
		e.items[item.ID] = item
	}
	e.reporters[b.ID] = metrics.NewReporter()
	e.mu.Unlock()

	e.saveBatch(b)
	e.armBatchTimers(b)

	logger.Infof("created batch %s (%s) with %d items", b.ID, b.Type, len(items))

	for _, item := range items {
		e.dispatcher.Enqueue(b, item)
	}

	return b, nil
}

// AddDownload creates a standalone download, wrapped in a single-item batch
// so it flows through the same pipeline.
func (e *Engine) AddDownload(req ItemRequest, cfg batch.Config) (*download.Download, error) {
	b, err := e.CreateBatch(BatchRequest{
		Type:   "single",
		Items:  []ItemRequest{req},
		Config: cfg,
	})
	if err != nil {
		return nil, err
	}

	return b.Items()[0], nil
}

// batchByID looks up a tracked batch.
func (e *Engine) batchByID(id uuid.UUID) (*batch.Batch, error) {
	e.mu.RLock()
	b, ok := e.batches[id]
	e.mu.RUnlock()

	if !ok {
		return nil, errors.NewAPIError("not_found", fmt.Sprintf("batch %s not found", id), false)
	}

	return b, nil
}

// itemByID looks up a tracked download together with its owning batch.
func (e *Engine) itemByID(id uuid.UUID) (*download.Download, *batch.Batch, error) {
	e.mu.RLock()
	item, ok := e.items[id]
	var b *batch.Batch
	if ok {
		b = e.batches[item.BatchID]
	}
	e.mu.RUnlock()

	if !ok || b == nil {
		return nil, nil, errors.NewAPIError("not_found", fmt.Sprintf("download %s not found", id), false)
	}

	return item, b, nil
}

// GetBatch returns the aggregate view of one batch.
func (e *Engine) GetBatch(id uuid.UUID) (batch.Stats, error) {
	b, err := e.batchByID(id)
	if err != nil {
		return batch.Stats{}, err
	}

	return b.GetStats(), nil
}

// GetBatchItems returns per-item views for one batch, in creation order.
func (e *Engine) GetBatchItems(id uuid.UUID) ([]download.Stats, error) {
	b, err := e.batchByID(id)
	if err != nil {
		return nil, err
	}

	items := b.Items()
	stats := make([]download.Stats, 0, len(items))
	for _, item := range items {
		stats = append(stats, item.GetStats())
	}

	return stats, nil
}

// GetDownload returns the view of one download.
func (e *Engine) GetDownload(id uuid.UUID) (download.Stats, error) {
	item, _, err := e.itemByID(id)
	if err != nil {
		return download.Stats{}, err
	}

	return item.GetStats(), nil
}

// ListBatches returns every tracked batch, oldest first.
func (e *Engine) ListBatches() []batch.Stats {
	e.mu.RLock()
	batches := make([]*batch.Batch, 0, len(e.batches))
	for _, b := range e.batches {
		batches = append(batches, b)
	}
	e.mu.RUnlock()

	sort.Slice(batches, func(i, j int) bool {
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})

	stats := make([]batch.Stats, 0, len(batches))
	for _, b := range batches {
		stats = append(stats, b.GetStats())
	}

	return stats
}

// BatchMetrics returns speed/duration statistics for one batch. Remaining
// bytes for the ETA are estimated from the items still in flight.
func (e *Engine) BatchMetrics(id uuid.UUID) (metrics.Snapshot, error) {
	b, err := e.batchByID(id)
	if err != nil {
		return metrics.Snapshot{}, err
	}

	var remaining int64
	for _, item := range b.Items() {
		st := item.GetStats()
		if st.Status.IsTerminal() {
			continue
		}

		total := st.TotalBytes
		if total == 0 {
			total = item.EstimatedSize
		}
		if total > st.DownloadedBytes {
			remaining += total - st.DownloadedBytes
		}
	}

	return e.reporterFor(id).Snapshot(remaining), nil
}

// CancelBatch cancels a batch and all of its remaining items. Cancelling an
// already terminal batch is a no-op.
func (e *Engine) CancelBatch(id uuid.UUID) error {
	b, err := e.batchByID(id)
	if err != nil {
		return err
	}

	e.cancelBatch(b)

	return nil
}

// CancelDownload cancels one download, including a failed one still waiting
// on its retry backoff. Cancelling a settled download is a no-op.
func (e *Engine) CancelDownload(id uuid.UUID) error {
	item, b, err := e.itemByID(id)
	if err != nil {
		return err
	}

	e.dispatcher.CancelItem(b, item)
	e.evaluateBatch(b)

	return nil
}

// PauseBatch suspends admission for the batch. Running items finish and
// release their slots; nothing new starts until resume.
func (e *Engine) PauseBatch(id uuid.UUID) error {
	b, err := e.batchByID(id)
	if err != nil {
		return err
	}

	if b.Status().IsTerminal() {
		return errors.NewAPIError("invalid_state", fmt.Sprintf("batch %s is %s", id, b.Status()), false)
	}

	if b.SetPaused(true) {
		e.saveBatch(b)
		logger.Infof("paused batch %s", id)
	}

	return nil
}

// ResumeBatch reopens admission for a paused batch.
func (e *Engine) ResumeBatch(id uuid.UUID) error {
	b, err := e.batchByID(id)
	if err != nil {
		return err
	}

	if b.Status().IsTerminal() {
		return errors.NewAPIError("invalid_state", fmt.Sprintf("batch %s is %s", id, b.Status()), false)
	}

	if b.SetPaused(false) {
		e.saveBatch(b)
		e.dispatcher.Wake()
		logger.Infof("resumed batch %s", id)
	}

	return nil
}

// CleanupReport lists what a cleanup pass removed, or would remove when dry
// run.
type CleanupReport struct {
	DryRun  bool        `json:"dryRun"`
	Batches []uuid.UUID `json:"batches"`
	Items   []uuid.UUID `json:"items"`
}

// Cleanup removes terminal batches created before now-olderThan, together
// with their items and notification bookkeeping. With dryRun it only reports
// what would be removed. Per-record deletion failures are collected; the
// pass keeps going.
func (e *Engine) Cleanup(olderThan time.Duration, dryRun bool) (CleanupReport, error) {
	cutoff := time.Now().Add(-olderThan)
	report := CleanupReport{DryRun: dryRun}

	e.mu.RLock()
	var candidates []*batch.Batch
	for _, b := range e.batches {
		if b.Status().IsTerminal() && b.CreatedAt.Before(cutoff) {
			candidates = append(candidates, b)
		}
	}
	e.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var errs []error

	for _, b := range candidates {
		items := b.Items()

		report.Batches = append(report.Batches, b.ID)
		for _, item := range items {
			report.Items = append(report.Items, item.ID)
		}

		if dryRun {
			continue
		}

		failed := false
		if e.repo != nil {
			for _, item := range items {
				if err := e.repo.DeleteDownload(item.ID); err != nil {
					errs = append(errs, fmt.Errorf("delete download %s: %w", item.ID, err))
					failed = true
				}
			}
			if err := e.repo.DeleteBatch(b.ID); err != nil {
				errs = append(errs, fmt.Errorf("delete batch %s: %w", b.ID, err))
				failed = true
			}
		}
		if failed {
			continue
		}

		e.mu.Lock()
		delete(e.batches, b.ID)
		delete(e.reporters, b.ID)
		for _, item := range items {
			delete(e.items, item.ID)
		}
		e.mu.Unlock()

		e.trigger.Forget(b.ID)
	}

	if !dryRun {
		logger.Infof("cleanup removed %d batches, %d downloads", len(report.Batches), len(report.Items))
	}

	return report, errors.Join(errs...)
}

// GlobalStats is the engine-wide aggregate view.
type GlobalStats struct {
	TotalBatches  int            `json:"totalBatches"`
	ActiveBatches int            `json:"activeBatches"`
	ActiveItems   int            `json:"activeItems"`
	QueuedItems   int            `json:"queuedItems"`
	Counters      batch.Counters `json:"counters"`
}

// GlobalStats aggregates counters across every tracked batch.
func (e *Engine) GlobalStats() GlobalStats {
	e.mu.RLock()
	batches := make([]*batch.Batch, 0, len(e.batches))
	for _, b := range e.batches {
		batches = append(batches, b)
	}
	e.mu.RUnlock()

	stats := GlobalStats{
		TotalBatches: len(batches),
		ActiveItems:  e.dispatcher.ActiveCount(),
		QueuedItems:  e.dispatcher.QueuedCount(),
	}

	for _, b := range batches {
		if !b.Status().IsTerminal() {
			stats.ActiveBatches++
		}

		c := b.Counters()
		stats.Counters.Total += c.Total
		stats.Counters.Pending += c.Pending
		stats.Counters.Queued += c.Queued
		stats.Counters.Downloading += c.Downloading
		stats.Counters.Processing += c.Processing
		stats.Counters.Completed += c.Completed
		stats.Counters.Failed += c.Failed
		stats.Counters.Skipped += c.Skipped
		stats.Counters.Cancelled += c.Cancelled
		stats.Counters.Expired += c.Expired
	}

	return stats
}
