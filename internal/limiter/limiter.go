package limiter

import "sync"

// Limits is the aggregate resource ceiling for concurrently executing items
// within one batch. A zero field means unlimited.
type Limits struct {
	MaxMemoryUsage int64 `json:"maxMemoryUsage" yaml:"maxMemoryUsage"`
	MaxDiskUsage   int64 `json:"maxDiskUsage"   yaml:"maxDiskUsage"`
	MaxBandwidth   int64 `json:"maxBandwidth"   yaml:"maxBandwidth"` // bytes/sec
}

// Usage is the estimated footprint of one in-flight item.
type Usage struct {
	Memory    int64
	Disk      int64
	Bandwidth int64
}

// Limiter tracks live totals of bandwidth, memory and disk attributable to
// in-flight items. Reserve and Release are atomic with respect to concurrent
// admission attempts.
type Limiter struct {
	mu     sync.Mutex
	limits Limits
	used   Usage

	onRelease func()
}

// New creates a limiter enforcing the given limits. onRelease is invoked
// after every release so the dispatcher can re-attempt admission without
// polling; it may be nil.
func New(limits Limits, onRelease func()) *Limiter {
	return &Limiter{
		limits:    limits,
		onRelease: onRelease,
	}
}

// Reserve commits the estimated usage if all three totals stay within the
// configured maxima. It returns false without side effects otherwise.
func (l *Limiter) Reserve(u Usage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exceeds(l.used.Memory+u.Memory, l.limits.MaxMemoryUsage) ||
		exceeds(l.used.Disk+u.Disk, l.limits.MaxDiskUsage) ||
		exceeds(l.used.Bandwidth+u.Bandwidth, l.limits.MaxBandwidth) {
		return false
	}

	l.used.Memory += u.Memory
	l.used.Disk += u.Disk
	l.used.Bandwidth += u.Bandwidth

	return true
}

// Release returns a previous reservation to the budget and wakes the
// dispatcher.
func (l *Limiter) Release(u Usage) {
	l.mu.Lock()

	l.used.Memory = clampZero(l.used.Memory - u.Memory)
	l.used.Disk = clampZero(l.used.Disk - u.Disk)
	l.used.Bandwidth = clampZero(l.used.Bandwidth - u.Bandwidth)

	onRelease := l.onRelease
	l.mu.Unlock()

	if onRelease != nil {
		onRelease()
	}
}

// Used returns a snapshot of the current totals.
func (l *Limiter) Used() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.used
}

func exceeds(total, limit int64) bool {
	return limit > 0 && total > limit
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
