package metrics

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// reservoirSize bounds the number of item durations retained per batch.
const reservoirSize = 128

// emaAlpha weighs the newest speed sample in the moving average.
const emaAlpha = 0.3

// Reporter computes rolling speed, ETA and duration distribution statistics
// for one batch from item events. It retains a bounded reservoir instead of
// full history.
type Reporter struct {
	mu sync.Mutex

	avgSpeed  float64 // bytes/sec, exponential moving average
	hasSample bool

	durations []time.Duration
	seen      int // total durations observed, for reservoir replacement

	fastest time.Duration
	slowest time.Duration
}

// NewReporter creates an empty reporter.
func NewReporter() *Reporter {
	return &Reporter{
		durations: make([]time.Duration, 0, reservoirSize),
	}
}

// RecordSpeed folds one item speed sample into the moving average.
func (r *Reporter) RecordSpeed(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasSample {
		r.avgSpeed = float64(bytesPerSec)
		r.hasSample = true
		return
	}

	r.avgSpeed = emaAlpha*float64(bytesPerSec) + (1-emaAlpha)*r.avgSpeed
}

// RecordDuration records how long a finished item took. The reservoir keeps
// a uniform sample once full.
func (r *Reporter) RecordDuration(d time.Duration) {
	if d <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seen++

	if r.fastest == 0 || d < r.fastest {
		r.fastest = d
	}
	if d > r.slowest {
		r.slowest = d
	}

	if len(r.durations) < reservoirSize {
		r.durations = append(r.durations, d)
		return
	}

	if i := rand.Intn(r.seen); i < reservoirSize {
		r.durations[i] = d
	}
}

// Snapshot is the point-in-time metrics view of a batch.
type Snapshot struct {
	AverageSpeed   int64         `json:"averageSpeed"` // bytes/sec
	ETA            time.Duration `json:"eta"`
	MedianDuration time.Duration `json:"medianDuration"`
	FastestItem    time.Duration `json:"fastestItem"`
	SlowestItem    time.Duration `json:"slowestItem"`
	SampleCount    int           `json:"sampleCount"`
}

// Snapshot computes the current statistics. remainingBytes drives the ETA;
// pass zero when unknown.
func (r *Reporter) Snapshot(remainingBytes int64) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		AverageSpeed: int64(r.avgSpeed),
		FastestItem:  r.fastest,
		SlowestItem:  r.slowest,
		SampleCount:  r.seen,
	}

	if r.avgSpeed > 0 && remainingBytes > 0 {
		s.ETA = time.Duration(float64(remainingBytes)/r.avgSpeed) * time.Second
	}

	if len(r.durations) > 0 {
		sorted := make([]time.Duration, len(r.durations))
		copy(sorted, r.durations)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			s.MedianDuration = (sorted[mid-1] + sorted[mid]) / 2
		} else {
			s.MedianDuration = sorted[mid]
		}
	}

	return s
}
