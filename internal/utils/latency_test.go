package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(10)
	for _, d := range []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
	} {
		tracker.Observe(d)
	}

	assert.Equal(t, 5, tracker.Count())
	assert.GreaterOrEqual(t, tracker.Percentile(95), 40*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, tracker.Percentile(0))
	assert.Equal(t, 50*time.Millisecond, tracker.Percentile(100))
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(10)
	assert.Zero(t, tracker.Percentile(95))
	assert.Zero(t, tracker.Count())
}

func TestLatencyTrackerBoundedSize(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 0; i < 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	// The window keeps the newest samples.
	assert.Equal(t, 3, tracker.Count())
	assert.Equal(t, 7*time.Millisecond, tracker.Percentile(0))
}
