// Package clock is the single source of wall and monotonic time for the
// core, plus the timezone-aware business-day arithmetic that CROA and the
// mail-provider SLA require. Every other component takes a Clock as a
// dependency so tests can drive time.
package clock

import (
	"time"
)

// Clock provides current time and business-day arithmetic.
type Clock interface {
	// Now returns the current wall time in UTC.
	Now() time.Time

	// Monotonic returns a duration suitable for measuring elapsed time,
	// unaffected by wall-clock adjustments.
	Monotonic() time.Duration

	// AddBusinessDays advances t by n business days in the business
	// timezone, skipping weekends and configured holidays. n must be >= 0;
	// the result is deterministic and monotone in n.
	AddBusinessDays(t time.Time, n int) time.Time

	// EndOfBusinessDay returns 23:59:59 of t's date in the business
	// timezone, converted back to UTC.
	EndOfBusinessDay(t time.Time) time.Time

	// Location returns the business timezone.
	Location() *time.Location
}

// SystemClock is the production Clock.
type SystemClock struct {
	loc      *time.Location
	holidays map[string]bool // YYYY-MM-DD in loc
	start    time.Time
}

// New creates a SystemClock for the given IANA timezone name and holiday set.
// An unknown timezone falls back to UTC rather than failing startup.
func New(tz string, holidays []time.Time) *SystemClock {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	c := &SystemClock{
		loc:      loc,
		holidays: make(map[string]bool, len(holidays)),
		start:    time.Now(),
	}
	for _, h := range holidays {
		c.holidays[h.In(loc).Format("2006-01-02")] = true
	}
	return c
}

func (c *SystemClock) Now() time.Time            { return time.Now().UTC() }
func (c *SystemClock) Monotonic() time.Duration  { return time.Since(c.start) }
func (c *SystemClock) Location() *time.Location  { return c.loc }

// IsBusinessDay reports whether t falls on a business day in the business
// timezone.
func (c *SystemClock) IsBusinessDay(t time.Time) bool {
	return isBusinessDay(t.In(c.loc), c.holidays)
}

func (c *SystemClock) AddBusinessDays(t time.Time, n int) time.Time {
	return addBusinessDays(t, n, c.loc, c.holidays)
}

func (c *SystemClock) EndOfBusinessDay(t time.Time) time.Time {
	return endOfBusinessDay(t, c.loc)
}

func isBusinessDay(local time.Time, holidays map[string]bool) bool {
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !holidays[local.Format("2006-01-02")]
}

func addBusinessDays(t time.Time, n int, loc *time.Location, holidays map[string]bool) time.Time {
	if n < 0 {
		n = 0
	}
	local := t.In(loc)
	for i := 0; i < n; i++ {
		local = local.AddDate(0, 0, 1)
		for !isBusinessDay(local, holidays) {
			local = local.AddDate(0, 0, 1)
		}
	}
	return local.UTC()
}

func endOfBusinessDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	eod := time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 0, loc)
	return eod.UTC()
}

// FakeClock is a test Clock whose time only moves when Advance is called.
type FakeClock struct {
	Current  time.Time
	loc      *time.Location
	holidays map[string]bool
	elapsed  time.Duration
}

// NewFake creates a FakeClock pinned at start in the given timezone.
func NewFake(start time.Time, tz string, holidays []time.Time) *FakeClock {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	f := &FakeClock{Current: start.UTC(), loc: loc, holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		f.holidays[h.In(loc).Format("2006-01-02")] = true
	}
	return f
}

func (f *FakeClock) Now() time.Time           { return f.Current }
func (f *FakeClock) Monotonic() time.Duration { return f.elapsed }
func (f *FakeClock) Location() *time.Location { return f.loc }

// Advance moves the fake clock forward.
func (f *FakeClock) Advance(d time.Duration) {
	f.Current = f.Current.Add(d)
	f.elapsed += d
}

func (f *FakeClock) AddBusinessDays(t time.Time, n int) time.Time {
	return addBusinessDays(t, n, f.loc, f.holidays)
}

func (f *FakeClock) EndOfBusinessDay(t time.Time) time.Time {
	return endOfBusinessDay(t, f.loc)
}
