package adapters

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() *breaker {
	return &breaker{name: "t-1:payment", logger: log.New(io.Discard, "", 0)}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < breakerTripAfter-1; i++ {
		require.NoError(t, b.allow(now))
		b.record(now, false)
	}
	require.NoError(t, b.allow(now), "still closed one failure short of the trip point")

	b.record(now, false)
	assert.ErrorIs(t, b.allow(now), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < breakerTripAfter-1; i++ {
		b.record(now, false)
	}
	b.record(now, true)
	for i := 0; i < breakerTripAfter-1; i++ {
		b.record(now, false)
	}
	assert.NoError(t, b.allow(now), "the success should have reset the streak")
}

func TestBreakerHalfOpenProbeQuota(t *testing.T) {
	b := newTestBreaker()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < breakerTripAfter; i++ {
		b.record(now, false)
	}
	assert.ErrorIs(t, b.allow(now), ErrCircuitOpen)

	// After the cool-down a bounded number of probes may pass.
	later := now.Add(breakerOpenFor)
	for i := 0; i < breakerProbeQuota; i++ {
		assert.NoError(t, b.allow(later), "probe %d", i+1)
	}
	assert.ErrorIs(t, b.allow(later), ErrCircuitOpen, "quota exhausted")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < breakerTripAfter; i++ {
		b.record(now, false)
	}
	later := now.Add(breakerOpenFor)
	require.NoError(t, b.allow(later))
	b.record(later, false)

	assert.ErrorIs(t, b.allow(later.Add(time.Second)), ErrCircuitOpen)
	// And the full cool-down applies again from the re-open.
	assert.NoError(t, b.allow(later.Add(breakerOpenFor)))
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := newTestBreaker()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < breakerTripAfter; i++ {
		b.record(now, false)
	}
	later := now.Add(breakerOpenFor)
	require.NoError(t, b.allow(later))
	b.record(later, true)

	for i := 0; i < breakerProbeQuota+2; i++ {
		assert.NoError(t, b.allow(later), "closed breaker has no probe quota")
	}
}
