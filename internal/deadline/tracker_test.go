package deadline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disputeworks/core/internal/clock"
	"github.com/disputeworks/core/internal/domain"
)

func nyClock(t *testing.T) (clock.Clock, *time.Location) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return clock.New("America/New_York", nil), loc
}

func deliveredEvent(letterID string, deliveredAt time.Time) *domain.Event {
	return &domain.Event{
		ID:            "ev-" + letterID,
		TenantID:      "t-1",
		AggregateType: domain.AggregateLetter,
		AggregateID:   letterID,
		Type:          domain.EventLetterDelivered,
		CommitTS:      deliveredAt,
		Payload: map[string]interface{}{
			"client_id":      "c-1",
			"recipient_type": string(domain.RecipientBureau),
			"delivered_at":   deliveredAt.Format(time.RFC3339),
		},
	}
}

func TestDeliveryOpensResponseWindowThirtyCalendarDays(t *testing.T) {
	clk, loc := nyClock(t)
	delivered := time.Date(2026, 1, 10, 9, 0, 0, 0, loc)

	ds := deliveryDeadlines(deliveredEvent("lt-1", delivered), clk)
	require.Len(t, ds, 2)

	resp := ds[0]
	assert.Equal(t, domain.DeadlineRoundResponse, resp.Kind)
	assert.Equal(t, "letter", resp.ParentType)
	assert.Equal(t, "lt-1", resp.ParentID)
	assert.Equal(t, "c-1", resp.ClientID)
	// 30 calendar days, weekends and holidays included.
	assert.Equal(t, delivered.AddDate(0, 0, 30).UTC(), resp.DueAt.UTC())
}

func TestDeliveryOpensEscalationWindowPerLetter(t *testing.T) {
	clk, loc := nyClock(t)
	delivered := time.Date(2026, 1, 10, 9, 0, 0, 0, loc)

	// Three letters delivered the same day each carry their own silence
	// budget, so a round mailed to all three bureaus escalates three times
	// if all three stay silent.
	parents := map[string]bool{}
	for _, letterID := range []string{"lt-eq", "lt-ex", "lt-tu"} {
		ds := deliveryDeadlines(deliveredEvent(letterID, delivered), clk)
		require.Len(t, ds, 2)

		esc := ds[1]
		assert.Equal(t, domain.DeadlineOverdueEscalation, esc.Kind)
		assert.Equal(t, "letter", esc.ParentType)
		assert.Equal(t, letterID, esc.ParentID)
		assert.Equal(t, clk.AddBusinessDays(delivered, 35), esc.DueAt)
		parents[esc.ParentID] = true
	}
	assert.Len(t, parents, 3, "each letter gets a distinct escalation window")
}

func TestDeliveryEscalationDueAtSkipsWeekends(t *testing.T) {
	clk, loc := nyClock(t)
	// Friday delivery: 35 business days is exactly 7 calendar weeks out.
	fri := time.Date(2026, 1, 9, 9, 0, 0, 0, loc)

	ds := deliveryDeadlines(deliveredEvent("lt-1", fri), clk)
	require.Len(t, ds, 2)
	assert.Equal(t, time.Date(2026, 2, 27, 9, 0, 0, 0, loc).UTC(), ds[1].DueAt)
}

func TestNonBureauDeliveryStartsNoClocks(t *testing.T) {
	clk, loc := nyClock(t)
	ev := deliveredEvent("lt-1", time.Date(2026, 1, 10, 9, 0, 0, 0, loc))
	ev.Payload["recipient_type"] = string(domain.RecipientFurnisher)

	assert.Empty(t, deliveryDeadlines(ev, clk))
}

func TestDeliveryFallsBackToCommitTimestamp(t *testing.T) {
	clk, loc := nyClock(t)
	committed := time.Date(2026, 1, 10, 9, 0, 0, 0, loc)
	ev := deliveredEvent("lt-1", committed)
	delete(ev.Payload, "delivered_at")

	ds := deliveryDeadlines(ev, clk)
	require.Len(t, ds, 2)
	assert.Equal(t, committed.AddDate(0, 0, 30), ds[0].DueAt)
}

func TestCROADeadlineEndsAtCloseOfThirdBusinessDay(t *testing.T) {
	clk, loc := nyClock(t)
	// Monday 14:30 signature → close of business Thursday.
	signed := time.Date(2026, 1, 5, 14, 30, 0, 0, loc)
	ev := &domain.Event{
		TenantID:      "t-1",
		AggregateType: domain.AggregateClient,
		AggregateID:   "c-1",
		Type:          domain.EventCROASigned,
		CommitTS:      signed,
		Payload:       map[string]interface{}{"signed_at": signed.Format(time.RFC3339)},
	}

	d := croaDeadline(ev, clk)
	assert.Equal(t, domain.DeadlineCROAHold, d.Kind)
	assert.Equal(t, "client", d.ParentType)
	assert.Equal(t, "c-1", d.ParentID)
	assert.Equal(t, time.Date(2026, 1, 8, 23, 59, 59, 0, loc).UTC(), d.DueAt)
}

func TestReinsertionDeadlineFiveBusinessDays(t *testing.T) {
	clk, loc := nyClock(t)
	detected := time.Date(2026, 2, 3, 11, 0, 0, 0, loc)
	ev := &domain.Event{
		TenantID: "t-1",
		Type:     domain.EventReinsertionDetected,
		CommitTS: detected,
		Payload:  map[string]interface{}{"item_id": "it-9", "client_id": "c-1"},
	}

	d := reinsertionDeadline(ev, clk)
	assert.Equal(t, domain.DeadlineReinsertionNotice, d.Kind)
	assert.Equal(t, "item", d.ParentType)
	assert.Equal(t, "it-9", d.ParentID)
	assert.Equal(t, clk.AddBusinessDays(detected, 5), d.DueAt)
}
