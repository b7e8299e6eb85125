package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayGrowsExponentially(t *testing.T) {
	q := New(nil, 30*time.Second, time.Hour)

	// Expected centers double from the base: 30s, 60s, 120s, ... with ±25%
	// jitter around each.
	center := 30 * time.Second
	for attempt := 1; attempt <= 5; attempt++ {
		d := q.RetryDelay(attempt)
		lo := time.Duration(float64(center) * 0.74)
		hi := time.Duration(float64(center) * 1.26)
		assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
		assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
		center *= 2
	}
}

func TestRetryDelayRespectsCap(t *testing.T) {
	q := New(nil, 30*time.Second, time.Hour)

	for attempt := 8; attempt <= 12; attempt++ {
		d := q.RetryDelay(attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(time.Hour)*1.26), "attempt %d", attempt)
	}
}

func TestRetryDelayJitterVaries(t *testing.T) {
	q := New(nil, 30*time.Second, time.Hour)

	seen := map[time.Duration]bool{}
	for i := 0; i < 20; i++ {
		seen[q.RetryDelay(3)] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should not be constant")
}
