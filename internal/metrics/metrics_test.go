package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/batchdl/batchdl/internal/metrics"
)

func TestAverageSpeedEMA(t *testing.T) {
	r := metrics.NewReporter()

	r.RecordSpeed(1000)
	assert.Equal(t, int64(1000), r.Snapshot(0).AverageSpeed)

	r.RecordSpeed(2000)
	// 0.3*2000 + 0.7*1000 = 1300
	assert.Equal(t, int64(1300), r.Snapshot(0).AverageSpeed)
}

func TestIgnoresNonPositiveSamples(t *testing.T) {
	r := metrics.NewReporter()

	r.RecordSpeed(0)
	r.RecordSpeed(-5)
	r.RecordDuration(0)

	s := r.Snapshot(0)
	assert.Zero(t, s.AverageSpeed)
	assert.Zero(t, s.SampleCount)
}

func TestETAFromRemainingBytes(t *testing.T) {
	r := metrics.NewReporter()
	r.RecordSpeed(100)

	s := r.Snapshot(1000)
	assert.Equal(t, 10*time.Second, s.ETA)

	assert.Zero(t, r.Snapshot(0).ETA)
}

func TestDurationDistribution(t *testing.T) {
	r := metrics.NewReporter()

	for _, d := range []time.Duration{
		3 * time.Second,
		time.Second,
		5 * time.Second,
	} {
		r.RecordDuration(d)
	}

	s := r.Snapshot(0)
	assert.Equal(t, time.Second, s.FastestItem)
	assert.Equal(t, 5*time.Second, s.SlowestItem)
	assert.Equal(t, 3*time.Second, s.MedianDuration)
	assert.Equal(t, 3, s.SampleCount)
}

func TestMedianEvenCount(t *testing.T) {
	r := metrics.NewReporter()

	r.RecordDuration(2 * time.Second)
	r.RecordDuration(4 * time.Second)

	assert.Equal(t, 3*time.Second, r.Snapshot(0).MedianDuration)
}

func TestReservoirStaysBounded(t *testing.T) {
	r := metrics.NewReporter()

	for i := 1; i <= 10_000; i++ {
		r.RecordDuration(time.Duration(i) * time.Millisecond)
	}

	s := r.Snapshot(0)
	assert.Equal(t, 10_000, s.SampleCount)
	assert.Equal(t, time.Millisecond, s.FastestItem)
	assert.Equal(t, 10*time.Second, s.SlowestItem)
	// Median of a uniform 1..10000ms stream should land well inside the range.
	assert.Greater(t, s.MedianDuration, 500*time.Millisecond)
	assert.Less(t, s.MedianDuration, 9500*time.Millisecond)
}
