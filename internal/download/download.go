package download

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batchdl/batchdl/internal/errors"
	"github.com/batchdl/batchdl/internal/limiter"
	"github.com/batchdl/batchdl/internal/status"
)

// ErrInvalidTransition is returned when a requested status change is not
// allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the allowed state machine, keyed by the current status.
var transitions = map[status.Status][]status.Status{
	status.Pending:     {status.Queued, status.Cancelled, status.Expired},
	status.Queued:      {status.Downloading, status.Cancelled, status.Expired},
	status.Downloading: {status.Processing, status.Completed, status.Failed, status.Skipped, status.Cancelled},
	status.Processing:  {status.Completed, status.Failed, status.Skipped, status.Cancelled},
	status.Failed:      {status.Queued}, // retry re-enqueue, guarded by the retry policy
}

// Download is one unit of fetch work tracked through its lifecycle.
type Download struct {
	ID           uuid.UUID           `json:"id"`
	ResourceID   string              `json:"resourceId"`
	URL          string              `json:"url"`
	ResourceType status.ResourceType `json:"resourceType"`
	BatchID      uuid.UUID           `json:"batchId,omitempty"`
	Priority     status.Priority     `json:"priority"`
	MaxRetries   int                 `json:"maxRetries"`
	Metadata     map[string]string   `json:"metadata,omitempty"`

	// Estimated footprint used for budget reservations.
	EstimatedSize      int64 `json:"estimatedSize,omitempty"`
	EstimatedBandwidth int64 `json:"estimatedBandwidth,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	mu              sync.RWMutex
	status          status.Status
	downloadedBytes int64
	totalBytes      int64
	speed           int64 // bytes/sec
	eta             time.Duration
	retryCount      int
	startedAt       time.Time
	completedAt     time.Time
	lastError       *errors.DownloadError
}

// New creates a download item in pending state.
func New(resourceID, url string, resourceType status.ResourceType, priority status.Priority, maxRetries int) *Download {
	return &Download{
		ID:           uuid.New(),
		ResourceID:   resourceID,
		URL:          url,
		ResourceType: resourceType,
		Priority:     priority,
		MaxRetries:   maxRetries,
		CreatedAt:    time.Now(),
		status:       status.Pending,
	}
}

// Status returns the current lifecycle state.
func (d *Download) Status() status.Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.status
}

// TransitionTo applies a status change through the state machine. Once a
// terminal state is reached every later transition is rejected, so whichever
// of a racing pair (cancel vs natural completion) lands first wins.
func (d *Download) TransitionTo(next status.Status) error {
	_, err := d.Transition(next)
	return err
}

// Transition applies a status change and reports the state it left, so the
// caller can move aggregate counters atomically with the change.
func (d *Download) Transition(next status.Status) (status.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.status

	if old == next {
		return old, nil
	}

	switch {
	case next == status.Cancelled && !old.IsTerminal():
		// Cancellation is reachable from any non-terminal state.
	case allowed(old, next):
		// Failed -> Queued is the one exit from a terminal state: a granted
		// retry re-opens the item.
	case old.IsTerminal():
		return old, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, old)
	default:
		return old, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old, next)
	}

	switch next {
	case status.Downloading:
		d.startedAt = time.Now()
	case status.Completed, status.Failed, status.Cancelled, status.Expired, status.Skipped:
		d.completedAt = time.Now()
	}

	d.status = next

	return old, nil
}

func allowed(from, to status.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateProgress records transfer progress. Updates are only valid while the
// item is downloading and must be monotonic; late or out-of-order updates are
// dropped.
func (d *Download) UpdateProgress(downloaded, total, speed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.status != status.Downloading {
		return
	}

	if downloaded < d.downloadedBytes {
		return
	}

	if total > 0 {
		d.totalBytes = total
		if downloaded > total {
			downloaded = total
		}
	}

	d.downloadedBytes = downloaded
	d.speed = speed

	if speed > 0 && d.totalBytes > downloaded {
		d.eta = time.Duration((d.totalBytes-downloaded)/speed) * time.Second
	} else {
		d.eta = 0
	}
}

// SetTotalBytes records the resource size once the fetcher learns it.
func (d *Download) SetTotalBytes(total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if total > 0 {
		d.totalBytes = total
	}
}

// SetError attaches the last error observed for this item.
func (d *Download) SetError(err *errors.DownloadError) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastError = err
}

// LastError returns the most recent error record, nil if none.
func (d *Download) LastError() *errors.DownloadError {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.lastError
}

// RetryCount returns the number of retries granted so far.
func (d *Download) RetryCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.retryCount
}

// IncrementRetry bumps the retry counter, refusing to exceed MaxRetries.
func (d *Download) IncrementRetry() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.retryCount >= d.MaxRetries {
		return fmt.Errorf("retry budget exhausted: %d of %d used", d.retryCount, d.MaxRetries)
	}

	d.retryCount++

	return nil
}

// Usage is the estimated resource footprint reserved while the item runs.
func (d *Download) Usage() limiter.Usage {
	return limiter.Usage{
		Memory:    d.EstimatedSize,
		Disk:      d.EstimatedSize,
		Bandwidth: d.EstimatedBandwidth,
	}
}

// Stats is a point-in-time snapshot of a download's live fields.
type Stats struct {
	ID              uuid.UUID           `json:"id"`
	ResourceID      string              `json:"resourceId"`
	ResourceType    status.ResourceType `json:"resourceType"`
	BatchID         uuid.UUID           `json:"batchId,omitempty"`
	Status          status.Status       `json:"status"`
	Progress        float64             `json:"progress"`
	DownloadedBytes int64               `json:"downloadedBytes"`
	TotalBytes      int64               `json:"totalBytes"`
	Speed           int64               `json:"speed"`
	ETA             time.Duration       `json:"eta"`
	RetryCount      int                 `json:"retryCount"`
	MaxRetries      int                 `json:"maxRetries"`
	Priority        status.Priority     `json:"priority"`
	CreatedAt       time.Time           `json:"createdAt"`
	StartedAt       time.Time           `json:"startedAt,omitempty"`
	CompletedAt     time.Time           `json:"completedAt,omitempty"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	ErrorCode       string              `json:"errorCode,omitempty"`
	Retryable       bool                `json:"retryable,omitempty"`
}

// GetStats returns the current statistics under a read lock.
func (d *Download) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Stats{
		ID:              d.ID,
		ResourceID:      d.ResourceID,
		ResourceType:    d.ResourceType,
		BatchID:         d.BatchID,
		Status:          d.status,
		DownloadedBytes: d.downloadedBytes,
		TotalBytes:      d.totalBytes,
		Speed:           d.speed,
		ETA:             d.eta,
		RetryCount:      d.retryCount,
		MaxRetries:      d.MaxRetries,
		Priority:        d.Priority,
		CreatedAt:       d.CreatedAt,
		StartedAt:       d.startedAt,
		CompletedAt:     d.completedAt,
	}

	if d.totalBytes > 0 {
		stats.Progress = float64(d.downloadedBytes) / float64(d.totalBytes) * 100
	} else if d.status == status.Completed {
		stats.Progress = 100
	}

	if d.lastError != nil {
		stats.ErrorMessage = d.lastError.Error()
		stats.ErrorCode = d.lastError.Code
		stats.Retryable = d.lastError.Retryable
	}

	return stats
}

// Duration returns how long the item executed, zero if it never started.
func (d *Download) Duration() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.startedAt.IsZero() || d.completedAt.IsZero() {
		return 0
	}

	return d.completedAt.Sub(d.startedAt)
}

// record is the serialized shape stored in the repository.
type record struct {
	ID                 uuid.UUID            `json:"id"`
	ResourceID         string               `json:"resourceId"`
	URL                string               `json:"url"`
	ResourceType       status.ResourceType  `json:"resourceType"`
	BatchID            uuid.UUID            `json:"batchId,omitempty"`
	Priority           status.Priority      `json:"priority"`
	MaxRetries         int                  `json:"maxRetries"`
	Metadata           map[string]string    `json:"metadata,omitempty"`
	EstimatedSize      int64                `json:"estimatedSize,omitempty"`
	EstimatedBandwidth int64                `json:"estimatedBandwidth,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	Status             status.Status        `json:"status"`
	DownloadedBytes    int64                `json:"downloadedBytes"`
	TotalBytes         int64                `json:"totalBytes"`
	RetryCount         int                  `json:"retryCount"`
	StartedAt          time.Time            `json:"startedAt,omitempty"`
	CompletedAt        time.Time            `json:"completedAt,omitempty"`
	ErrorMessage       string               `json:"errorMessage,omitempty"`
	ErrorCode          string               `json:"errorCode,omitempty"`
	ErrorCategory      errors.ErrorCategory `json:"errorCategory,omitempty"`
	ErrorRetryable     bool                 `json:"errorRetryable,omitempty"`
	ErrorRetryAfter    time.Duration        `json:"errorRetryAfter,omitempty"`
}

// MarshalJSON serializes a consistent snapshot of the download.
func (d *Download) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r := record{
		ID:                 d.ID,
		ResourceID:         d.ResourceID,
		URL:                d.URL,
		ResourceType:       d.ResourceType,
		BatchID:            d.BatchID,
		Priority:           d.Priority,
		MaxRetries:         d.MaxRetries,
		Metadata:           d.Metadata,
		EstimatedSize:      d.EstimatedSize,
		EstimatedBandwidth: d.EstimatedBandwidth,
		CreatedAt:          d.CreatedAt,
		Status:             d.status,
		DownloadedBytes:    d.downloadedBytes,
		TotalBytes:         d.totalBytes,
		RetryCount:         d.retryCount,
		StartedAt:          d.startedAt,
		CompletedAt:        d.completedAt,
	}

	if d.lastError != nil {
		r.ErrorMessage = d.lastError.Error()
		r.ErrorCode = d.lastError.Code
		r.ErrorCategory = d.lastError.Category
		r.ErrorRetryable = d.lastError.Retryable
		r.ErrorRetryAfter = d.lastError.RetryAfter
	}

	return json.Marshal(r)
}

// UnmarshalJSON restores a download from its stored shape. Items persisted
// mid-flight come back as queued so the dispatcher can pick them up again.
func (d *Download) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}

	d.ID = r.ID
	d.ResourceID = r.ResourceID
	d.URL = r.URL
	d.ResourceType = r.ResourceType
	d.BatchID = r.BatchID
	d.Priority = r.Priority
	d.MaxRetries = r.MaxRetries
	d.Metadata = r.Metadata
	d.EstimatedSize = r.EstimatedSize
	d.EstimatedBandwidth = r.EstimatedBandwidth
	d.CreatedAt = r.CreatedAt
	d.downloadedBytes = r.DownloadedBytes
	d.totalBytes = r.TotalBytes
	d.retryCount = r.RetryCount
	d.startedAt = r.StartedAt
	d.completedAt = r.CompletedAt

	if r.Status.IsActive() {
		d.status = status.Queued
	} else {
		d.status = r.Status
	}

	if r.ErrorMessage != "" {
		category := r.ErrorCategory
		if category == "" {
			category = errors.CategoryUnknown
		}

		d.lastError = &errors.DownloadError{
			Err:        errors.New(r.ErrorMessage),
			Code:       r.ErrorCode,
			Category:   category,
			Retryable:  r.ErrorRetryable,
			RetryAfter: r.ErrorRetryAfter,
			Timestamp:  r.CompletedAt,
			Resource:   r.URL,
		}
	}

	return nil
}
