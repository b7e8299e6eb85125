package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/store"
)

const croaHoldBusinessDays = 3

// SignCROA records the client's first CROA signature: the cancellation
// period opens at close of business on the third business day, the state
// enters croa_hold, and croa.signed starts the deadline clock. A repeated
// signature is a no-op.
func (e *Engine) SignCROA(ctx context.Context, tenantID, clientID, actor string) error {
	return e.withClient(ctx, tenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		if c.CROASignedAt != nil {
			return nil
		}
		now := tx.Now()
		end := e.clock.EndOfBusinessDay(e.clock.AddBusinessDays(now, croaHoldBusinessDays))
		c.CROASignedAt = &now
		c.CancellationPeriodEnd = &end

		if err := e.transition(ctx, tx, c, domain.StateCROAHold, actor, false); err != nil {
			return err
		}
		tx.Emit(tenantID, domain.AggregateClient, clientID, domain.EventCROASigned, map[string]interface{}{
			"signed_at":               now.Format(time.RFC3339),
			"cancellation_period_end": end.Format(time.RFC3339),
		})
		return tx.InsertAudit(ctx, e.audit(tenantID, actor, "sign_croa", "client", clientID))
	})
}

// AdvanceRound is the staff command behind POST /commands/dispute/{id}/
// advance-round. From roundN_responses_gathered it starts round N+1 (or
// resolves when nothing is left to dispute); from croa_hold it force-starts
// round 1 only when the hold has lapsed and payment captured. The returned
// state is the post-command state.
func (e *Engine) AdvanceRound(ctx context.Context, tenantID, clientID string, round int, actor string) (domain.DisputeState, error) {
	if round < 1 || round > domain.MaxRound {
		return "", fmt.Errorf("round %d out of range 1..%d: %w", round, domain.MaxRound, ErrInvalidTransition)
	}

	var out domain.DisputeState
	err := e.withClient(ctx, tenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		defer func() { out = c.State }()

		before := hashJSON(c)
		switch {
		case c.State == domain.StateCROAHold && round == 1:
			if c.CancellationPeriodEnd == nil || tx.Now().Before(*c.CancellationPeriodEnd) {
				return fmt.Errorf("croa hold until %v: %w", c.CancellationPeriodEnd, ErrInvalidTransition)
			}
			captured, err := tx.NetCapturedMinor(ctx, tenantID, clientID, domain.PaymentRound)
			if err != nil {
				return err
			}
			if captured <= 0 {
				return fmt.Errorf("round-1 payment not captured: %w", ErrInvalidTransition)
			}
			if err := e.beginRound(ctx, tx, c, 1, actor); err != nil {
				return err
			}

		case c.State == domain.RoundState(round-1, "responses_gathered"):
			targets, err := e.roundTargets(ctx, tx, c)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				if err := e.transition(ctx, tx, c, domain.StateResolved, actor, true); err != nil {
					return err
				}
			} else if err := e.beginRound(ctx, tx, c, round, actor); err != nil {
				return err
			}

		default:
			return fmt.Errorf("cannot advance to round %d from %s: %w", round, c.State, ErrInvalidTransition)
		}

		a := e.audit(tenantID, actor, "advance_round", "client", clientID)
		a.BeforeSHA256 = before
		a.AfterSHA256 = hashJSON(c)
		return tx.InsertAudit(ctx, a)
	})
	return out, err
}

// ItemOutcome is one bureau verdict inside a recorded response.
type ItemOutcome struct {
	AccountNumber string `json:"account_number"`
	// Result: deleted, verified, or reinserted.
	Result string `json:"result"`
}

// RecordResponse records a bureau response against a delivered letter:
// updates item statuses, detects acknowledged reinsertions, resolves the
// letter's response window, and gathers the round once every in-flight
// letter has answered.
func (e *Engine) RecordResponse(ctx context.Context, tenantID, clientID, letterID string, outcomes []ItemOutcome, actor string) error {
	return e.withClient(ctx, tenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		letter, err := tx.GetLetter(ctx, tenantID, letterID)
		if err != nil {
			return err
		}
		if letter.ClientID != clientID {
			return fmt.Errorf("letter %s does not belong to client %s: %w", letterID, clientID, store.ErrNotFound)
		}

		for _, oc := range outcomes {
			if err := e.applyOutcome(ctx, tx, c, letter, oc); err != nil {
				return err
			}
		}

		tx.Emit(tenantID, domain.AggregateClient, clientID, domain.EventResponseReceived, map[string]interface{}{
			"client_id": clientID,
			"letter_id": letterID,
			"bureau":    string(letter.Recipient.Bureau),
			"outcomes":  len(outcomes),
		})

		if err := tx.InsertAudit(ctx, e.audit(tenantID, actor, "record_response", "letter", letterID)); err != nil {
			return err
		}
		return e.maybeGatherRound(ctx, tx, c, letter.Round, letterID)
	})
}

func (e *Engine) applyOutcome(ctx context.Context, tx *store.Tx, c *domain.Client, letter *domain.Letter, oc ItemOutcome) error {
	item, err := tx.GetDisputeItem(ctx, c.TenantID, c.ID, oc.AccountNumber, letter.Recipient.Bureau)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch oc.Result {
	case "deleted":
		item.Status = domain.ItemDeleted
		now := tx.Now()
		item.DeletedAt = &now
		tx.Emit(c.TenantID, domain.AggregateClient, c.ID, domain.EventItemDeleted, map[string]interface{}{
			"client_id": c.ID,
			"item_id":   item.ID,
			"letter_id": letter.ID,
			"bureau":    string(item.Bureau),
		})
	case "verified":
		item.Status = domain.ItemVerified
		tx.Emit(c.TenantID, domain.AggregateClient, c.ID, domain.EventItemVerified, map[string]interface{}{
			"client_id": c.ID,
			"item_id":   item.ID,
			"letter_id": letter.ID,
			"bureau":    string(item.Bureau),
		})
	case "reinserted":
		item.Status = domain.ItemReinserted
		item.DeletedAt = nil
		tx.Emit(c.TenantID, domain.AggregateClient, c.ID, domain.EventReinsertionDetected, map[string]interface{}{
			"client_id": c.ID,
			"item_id":   item.ID,
			"bureau":    string(item.Bureau),
			"source":    "bureau_acknowledged",
		})
	default:
		return fmt.Errorf("unknown outcome %q for account %s", oc.Result, oc.AccountNumber)
	}
	return tx.UpsertDisputeItem(ctx, item)
}

// maybeGatherRound moves in_flight → responses_gathered once every in-flight
// letter of the round has a recorded response (its round_response deadline
// resolved by the tracker).
func (e *Engine) maybeGatherRound(ctx context.Context, tx *store.Tx, c *domain.Client, round int, respondedLetterID string) error {
	if c.State != domain.RoundState(round, "in_flight") {
		return nil
	}
	letters, err := tx.ListLettersByRound(ctx, c.TenantID, c.ID, round)
	if err != nil {
		return err
	}
	for _, l := range letters {
		if !l.InFlight() || l.ID == respondedLetterID {
			continue
		}
		open, err := tx.ListOpenDeadlines(ctx, c.TenantID, c.ID)
		if err != nil {
			return err
		}
		for _, d := range open {
			if d.Kind == domain.DeadlineRoundResponse && d.ParentID == l.ID {
				return nil // still waiting on this letter
			}
		}
	}
	return e.transition(ctx, tx, c, domain.RoundState(round, "responses_gathered"), "system", false)
}

// RequestCancel sets the cooperative cancellation flag for the client and
// every unfinished task carrying it. Workers observe the flag at suspension
// points and exit Cancelled.
func (e *Engine) RequestCancel(ctx context.Context, tenantID, clientID, actor string) error {
	return e.withClient(ctx, tenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		if c.CancelRequested {
			return nil
		}
		c.CancelRequested = true
		if err := tx.UpdateClient(ctx, c); err != nil {
			return err
		}
		if err := tx.RequestTaskCancel(ctx, tenantID, clientID); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, e.audit(tenantID, actor, "request_cancel", "client", clientID))
	})
}
