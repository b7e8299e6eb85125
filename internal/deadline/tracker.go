// Package deadline is the statutory date tracker. It listens to the domain
// event stream and materializes deadlines (CROA hold, FCRA §611 response
// windows, overdue escalation, reinsertion notice, §605 obsolescence), and
// fires them exactly once via the scheduler's sweep.
package deadline

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/disputeworks/core/internal/clock"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/events"
	"github.com/disputeworks/core/internal/metrics"
	"github.com/disputeworks/core/internal/store"
)

const (
	// FCRA §611(a)(1): bureaus get 30 calendar days from receipt.
	responseWindowDays = 30
	// Silence budget before automatic escalation.
	escalationBusinessDays = 35
	// CROA cancellation hold.
	croaHoldBusinessDays = 3
	// §611(a)(5)(B) reinsertion notice window.
	reinsertionBusinessDays = 5
)

// Tracker derives deadlines from events.
type Tracker struct {
	gw     *store.Gateway
	clock  clock.Clock
	logger *log.Logger
}

// NewTracker builds the tracker and registers it on the bus.
func NewTracker(gw *store.Gateway, clk clock.Clock, bus *events.Bus) *Tracker {
	t := &Tracker{
		gw:     gw,
		clock:  clk,
		logger: log.New(log.Writer(), "[DEADLINE] ", log.LstdFlags),
	}
	bus.Register(t.handle,
		domain.EventCROASigned,
		domain.EventLetterDelivered,
		domain.EventReinsertionDetected,
		domain.EventReportImported,
		domain.EventResponseReceived,
		domain.EventItemDeleted,
		domain.EventItemVerified,
	)
	return t
}

func (t *Tracker) handle(ctx context.Context, ev *domain.Event) {
	var err error
	switch ev.Type {
	case domain.EventCROASigned:
		err = t.onCROASigned(ctx, ev)
	case domain.EventLetterDelivered:
		err = t.onLetterDelivered(ctx, ev)
	case domain.EventReinsertionDetected:
		err = t.onReinsertion(ctx, ev)
	case domain.EventReportImported:
		err = t.onReportImported(ctx, ev)
	case domain.EventResponseReceived, domain.EventItemDeleted, domain.EventItemVerified:
		err = t.onResponse(ctx, ev)
	}
	if err != nil {
		t.logger.Printf("❌ Handling %s for %s: %v", ev.Type, ev.AggregateID, err)
	}
}

// onCROASigned opens the 3-business-day cancellation hold, ending at close of
// business on the third business day after signing.
func (t *Tracker) onCROASigned(ctx context.Context, ev *domain.Event) error {
	return t.create(ctx, croaDeadline(ev, t.clock))
}

// onLetterDelivered opens the §611 30-calendar-day response window and the
// 35-business-day escalation window, both parented on the letter: each
// delivered letter carries its own silence budget, so one bureau answering
// never quiets the clock for the bureaus still silent. Only bureau letters
// start statutory clocks.
func (t *Tracker) onLetterDelivered(ctx context.Context, ev *domain.Event) error {
	for _, d := range deliveryDeadlines(ev, t.clock) {
		if err := t.create(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// onReinsertion opens the §611(a)(5)(B) 5-business-day notice window on the
// reinserted item.
func (t *Tracker) onReinsertion(ctx context.Context, ev *domain.Event) error {
	return t.create(ctx, reinsertionDeadline(ev, t.clock))
}

// ============================================================================
// DEADLINE CONSTRUCTION
// ============================================================================

func croaDeadline(ev *domain.Event, clk clock.Clock) *domain.Deadline {
	signedAt := eventTime(ev, "signed_at")
	return &domain.Deadline{
		TenantID:   ev.TenantID,
		Kind:       domain.DeadlineCROAHold,
		ParentType: "client",
		ParentID:   ev.AggregateID,
		ClientID:   ev.AggregateID,
		DueAt:      clk.EndOfBusinessDay(clk.AddBusinessDays(signedAt, croaHoldBusinessDays)),
	}
}

func deliveryDeadlines(ev *domain.Event, clk clock.Clock) []*domain.Deadline {
	if ev.Str("recipient_type") != string(domain.RecipientBureau) {
		return nil
	}
	deliveredAt := eventTime(ev, "delivered_at")
	clientID := ev.Str("client_id")

	return []*domain.Deadline{
		{
			TenantID:   ev.TenantID,
			Kind:       domain.DeadlineRoundResponse,
			ParentType: "letter",
			ParentID:   ev.AggregateID,
			ClientID:   clientID,
			DueAt:      deliveredAt.AddDate(0, 0, responseWindowDays),
		},
		{
			TenantID:   ev.TenantID,
			Kind:       domain.DeadlineOverdueEscalation,
			ParentType: "letter",
			ParentID:   ev.AggregateID,
			ClientID:   clientID,
			DueAt:      clk.AddBusinessDays(deliveredAt, escalationBusinessDays),
		},
	}
}

func reinsertionDeadline(ev *domain.Event, clk clock.Clock) *domain.Deadline {
	return &domain.Deadline{
		TenantID:   ev.TenantID,
		Kind:       domain.DeadlineReinsertionNotice,
		ParentType: "item",
		ParentID:   ev.Str("item_id"),
		ClientID:   ev.Str("client_id"),
		DueAt:      clk.AddBusinessDays(ev.CommitTS, reinsertionBusinessDays),
	}
}

// eventTime reads an RFC3339 payload field, falling back to the commit
// timestamp when absent or unparseable.
func eventTime(ev *domain.Event, key string) time.Time {
	if s := ev.Str(key); s != "" {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			return parsed
		}
	}
	return ev.CommitTS
}

// onReportImported materializes §605 obsolescence deadlines for every item
// carrying a computed obsolescence date.
func (t *Tracker) onReportImported(ctx context.Context, ev *domain.Event) error {
	clientID := ev.AggregateID
	return t.gw.Run(ctx, func(tx *store.Tx) error {
		items, err := tx.ListDisputeItems(ctx, ev.TenantID, clientID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.ObsolescenceAt == nil || item.Status == domain.ItemDeleted {
				continue
			}
			inserted, err := tx.InsertDeadline(ctx, &domain.Deadline{
				ID:         uuid.NewString(),
				TenantID:   ev.TenantID,
				Kind:       domain.DeadlineObsolescence,
				ParentType: "item",
				ParentID:   item.ID,
				ClientID:   clientID,
				DueAt:      *item.ObsolescenceAt,
			})
			if err != nil {
				return err
			}
			if inserted {
				tx.Emit(ev.TenantID, domain.AggregateClient, clientID, domain.EventDeadlineCreated, map[string]interface{}{
					"kind":      string(domain.DeadlineObsolescence),
					"parent_id": item.ID,
					"due_at":    item.ObsolescenceAt.Format(time.RFC3339),
				})
			}
		}
		return nil
	})
}

// onResponse resolves the answered letter's open windows: response and
// escalation. Other letters' clocks keep running; a bureau that answered
// says nothing about the bureaus still silent.
func (t *Tracker) onResponse(ctx context.Context, ev *domain.Event) error {
	letterID := ev.Str("letter_id")
	if letterID == "" {
		return nil
	}

	return t.gw.Run(ctx, func(tx *store.Tx) error {
		if err := tx.ResolveDeadline(ctx, ev.TenantID, letterID, domain.DeadlineRoundResponse); err != nil {
			return err
		}
		return tx.ResolveDeadline(ctx, ev.TenantID, letterID, domain.DeadlineOverdueEscalation)
	})
}

// create inserts one deadline idempotently and emits deadline.created on
// first insert. The unique index suppresses duplicates from replayed events.
func (t *Tracker) create(ctx context.Context, d *domain.Deadline) error {
	if d.ParentID == "" || d.ClientID == "" {
		return nil
	}
	d.ID = uuid.NewString()

	return t.gw.Run(ctx, func(tx *store.Tx) error {
		inserted, err := tx.InsertDeadline(ctx, d)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		metrics.DeadlinesOpen.WithLabelValues(string(d.Kind)).Inc()
		tx.Emit(d.TenantID, domain.AggregateClient, d.ClientID, domain.EventDeadlineCreated, map[string]interface{}{
			"kind":        string(d.Kind),
			"deadline_id": d.ID,
			"parent_id":   d.ParentID,
			"due_at":      d.DueAt.Format(time.RFC3339),
		})
		return nil
	})
}
