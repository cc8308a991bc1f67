package limiter_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/batchdl/batchdl/internal/limiter"
)

func TestReserveWithinBudget(t *testing.T) {
	l := limiter.New(limiter.Limits{MaxBandwidth: 1000}, nil)

	assert.True(t, l.Reserve(limiter.Usage{Bandwidth: 600}))
	assert.False(t, l.Reserve(limiter.Usage{Bandwidth: 600}), "second reservation must be denied")

	l.Release(limiter.Usage{Bandwidth: 600})
	assert.True(t, l.Reserve(limiter.Usage{Bandwidth: 600}))
}

func TestReserveAllDimensions(t *testing.T) {
	l := limiter.New(limiter.Limits{
		MaxMemoryUsage: 100,
		MaxDiskUsage:   200,
		MaxBandwidth:   300,
	}, nil)

	assert.True(t, l.Reserve(limiter.Usage{Memory: 100, Disk: 200, Bandwidth: 300}))
	// Any single dimension over budget denies the whole reservation.
	assert.False(t, l.Reserve(limiter.Usage{Memory: 1}))
	assert.False(t, l.Reserve(limiter.Usage{Disk: 1}))
	assert.False(t, l.Reserve(limiter.Usage{Bandwidth: 1}))
}

func TestZeroLimitsUnlimited(t *testing.T) {
	l := limiter.New(limiter.Limits{}, nil)

	for i := 0; i < 100; i++ {
		assert.True(t, l.Reserve(limiter.Usage{Memory: 1 << 30, Disk: 1 << 30, Bandwidth: 1 << 30}))
	}
}

func TestDeniedReservationHasNoSideEffects(t *testing.T) {
	l := limiter.New(limiter.Limits{MaxMemoryUsage: 100, MaxDiskUsage: 50}, nil)

	assert.False(t, l.Reserve(limiter.Usage{Memory: 60, Disk: 60}))

	used := l.Used()
	assert.Zero(t, used.Memory)
	assert.Zero(t, used.Disk)
}

func TestReleaseNotifies(t *testing.T) {
	released := make(chan struct{}, 1)
	l := limiter.New(limiter.Limits{MaxBandwidth: 10}, func() {
		released <- struct{}{}
	})

	assert.True(t, l.Reserve(limiter.Usage{Bandwidth: 10}))
	l.Release(limiter.Usage{Bandwidth: 10})

	select {
	case <-released:
	default:
		t.Fatal("expected release notification")
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	l := limiter.New(limiter.Limits{MaxBandwidth: 10}, nil)

	l.Release(limiter.Usage{Bandwidth: 100})

	assert.Zero(t, l.Used().Bandwidth)
	assert.True(t, l.Reserve(limiter.Usage{Bandwidth: 10}))
}

func TestConcurrentReserveNeverOvercommits(t *testing.T) {
	const workers = 32

	l := limiter.New(limiter.Limits{MaxBandwidth: 1000}, nil)

	var granted sync.Map
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.Reserve(limiter.Usage{Bandwidth: 300}) {
				granted.Store(i, struct{}{})
			}
		}(i)
	}
	wg.Wait()

	count := 0
	granted.Range(func(_, _ any) bool {
		count++
		return true
	})

	assert.LessOrEqual(t, count, 3, "at most 3 reservations of 300 fit in 1000")
	assert.LessOrEqual(t, l.Used().Bandwidth, int64(1000))
}
