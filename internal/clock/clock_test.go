package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNY(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestAddBusinessDaysSkipsWeekend(t *testing.T) {
	loc := mustNY(t)
	c := New("America/New_York", nil)

	// Friday 2026-01-02 → +1 business day lands on Monday 2026-01-05
	fri := time.Date(2026, 1, 2, 10, 0, 0, 0, loc)
	got := c.AddBusinessDays(fri, 1)
	assert.Equal(t, time.Date(2026, 1, 5, 10, 0, 0, 0, loc).UTC(), got)
}

func TestAddBusinessDaysSkipsHoliday(t *testing.T) {
	loc := mustNY(t)
	// MLK Day 2026
	mlk := time.Date(2026, 1, 19, 0, 0, 0, 0, loc)
	c := New("America/New_York", []time.Time{mlk})

	// Friday 2026-01-16 +1 business day skips Sat/Sun and the holiday Monday.
	fri := time.Date(2026, 1, 16, 9, 0, 0, 0, loc)
	got := c.AddBusinessDays(fri, 1)
	assert.Equal(t, time.Date(2026, 1, 20, 9, 0, 0, 0, loc).UTC(), got)
}

// CROA hold math from the statutory 3-business-day cancellation window:
// signature Monday 2026-01-05 14:30 ET with MLK Day configured yields an
// end-of-period of Thursday 2026-01-08 23:59:59 ET.
func TestCROAHoldWindow(t *testing.T) {
	loc := mustNY(t)
	mlk := time.Date(2026, 1, 19, 0, 0, 0, 0, loc)
	c := New("America/New_York", []time.Time{mlk})

	signed := time.Date(2026, 1, 5, 14, 30, 0, 0, loc)
	end := c.EndOfBusinessDay(c.AddBusinessDays(signed, 3))

	want := time.Date(2026, 1, 8, 23, 59, 59, 0, loc).UTC()
	assert.Equal(t, want, end)
}

func TestAddBusinessDaysMonotone(t *testing.T) {
	c := New("America/New_York", nil)
	base := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

	prev := c.AddBusinessDays(base, 0)
	for n := 1; n <= 40; n++ {
		next := c.AddBusinessDays(base, n)
		assert.True(t, next.After(prev), "n=%d", n)
		prev = next
	}
}

func TestAddBusinessDaysDeterministic(t *testing.T) {
	c := New("America/New_York", nil)
	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, c.AddBusinessDays(base, 10), c.AddBusinessDays(base, 10))
}

func TestAddBusinessDaysZeroAndNegative(t *testing.T) {
	c := New("America/New_York", nil)
	base := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) // Saturday

	// n=0 returns the input unchanged, even on a weekend.
	assert.Equal(t, base, c.AddBusinessDays(base, 0))
	// Negative is clamped to zero.
	assert.Equal(t, base, c.AddBusinessDays(base, -3))
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 9, 9, 0, 0, 0, time.UTC)
	f := NewFake(start, "America/New_York", nil)

	assert.Equal(t, start, f.Now())
	f.Advance(48 * time.Hour)
	assert.Equal(t, start.Add(48*time.Hour), f.Now())
	assert.Equal(t, 48*time.Hour, f.Monotonic())
}
