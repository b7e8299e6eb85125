package dispute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/disputeworks/core/internal/adapters"
	"github.com/disputeworks/core/internal/clock"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/events"
	"github.com/disputeworks/core/internal/store"
	"github.com/disputeworks/core/internal/taskqueue"
)

const (
	// Failed round-1 captures retry daily up to three attempts.
	paymentRetryDelay  = 24 * time.Hour
	maxPaymentAttempts = 3
)

// Engine drives the per-client dispute workflow.
type Engine struct {
	gw            *store.Gateway
	queue         *taskqueue.Queue
	clock         clock.Clock
	roundFeeMinor int64
	logger        *log.Logger
}

// NewEngine builds the engine and registers its event reactions.
// roundFeeMinor is the per-round capture amount (CORE_ROUND_FEE_MINOR).
func NewEngine(gw *store.Gateway, queue *taskqueue.Queue, clk clock.Clock, bus *events.Bus, roundFeeMinor int64) *Engine {
	e := &Engine{
		gw:            gw,
		queue:         queue,
		clock:         clk,
		roundFeeMinor: roundFeeMinor,
		logger:        log.New(log.Writer(), "[DISPUTE] ", log.LstdFlags),
	}
	bus.Register(e.handle,
		domain.EventDeadlineFired,
		domain.EventPaymentCaptured,
		domain.EventPaymentFailed,
		domain.EventLetterGenerated,
		domain.EventBatchUploaded,
		domain.EventTaskDead,
		domain.EventLetterBlocked,
		domain.EventPaymentBlocked,
		domain.EventBatchFailed,
	)
	return e
}

func (e *Engine) handle(ctx context.Context, ev *domain.Event) {
	var err error
	switch ev.Type {
	case domain.EventDeadlineFired:
		err = e.onDeadlineFired(ctx, ev)
	case domain.EventPaymentCaptured:
		err = e.onPaymentCaptured(ctx, ev)
	case domain.EventPaymentFailed:
		err = e.onPaymentFailed(ctx, ev)
	case domain.EventLetterGenerated:
		err = e.onLetterGenerated(ctx, ev)
	case domain.EventBatchUploaded:
		err = e.onBatchUploaded(ctx, ev)
	case domain.EventTaskDead, domain.EventLetterBlocked,
		domain.EventPaymentBlocked, domain.EventBatchFailed:
		err = e.onFailureEvent(ctx, ev)
	}
	if err != nil {
		e.logger.Printf("❌ Handling %s for %s: %v", ev.Type, ev.AggregateID, err)
	}
}

// withClient runs fn against a locked, freshly-read client.
func (e *Engine) withClient(ctx context.Context, tenantID, clientID string, fn func(tx *store.Tx, c *domain.Client) error) error {
	return e.gw.Run(ctx, func(tx *store.Tx) error {
		if err := tx.LockAggregate(ctx, clientID); err != nil {
			return err
		}
		c, err := tx.GetClient(ctx, tenantID, clientID)
		if err != nil {
			return err
		}
		return fn(tx, c)
	})
}

// ============================================================================
// DEADLINE REACTIONS
// ============================================================================

func (e *Engine) onDeadlineFired(ctx context.Context, ev *domain.Event) error {
	clientID := ev.Str("client_id")
	switch domain.DeadlineKind(ev.Str("kind")) {
	case domain.DeadlineCROAHold:
		return e.onCROAHoldElapsed(ctx, ev.TenantID, clientID)
	case domain.DeadlineOverdueEscalation:
		return e.onOverdue(ctx, ev.TenantID, clientID)
	case domain.DeadlineReinsertionNotice:
		return e.requireAction(ctx, ev.TenantID, clientID, "reinsertion_notice_lapsed",
			fmt.Sprintf("§611(a)(5)(B) notice window lapsed for item %s", ev.Str("parent_id")))
	case domain.DeadlineObsolescence:
		return e.requireAction(ctx, ev.TenantID, clientID, "obsolescence_reached",
			fmt.Sprintf("item %s passed its §605 7-year date and must come off", ev.Str("parent_id")))
	}
	return nil
}

// onCROAHoldElapsed: the hold lapsed. If the round-1 payment already
// captured, round 1 begins; otherwise capture is requested now.
func (e *Engine) onCROAHoldElapsed(ctx context.Context, tenantID, clientID string) error {
	return e.withClient(ctx, tenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		if c.State != domain.StateCROAHold {
			e.ignore(tx, c, c.State, domain.StateRound1LettersGenerated, "croa hold fired out of order")
			return nil
		}
		captured, err := tx.NetCapturedMinor(ctx, tenantID, clientID, domain.PaymentRound)
		if err != nil {
			return err
		}
		if captured > 0 {
			return e.beginRound(ctx, tx, c, 1, "system")
		}
		_, _, err = e.queue.EnqueueTx(ctx, tx, taskqueue.Request{
			TenantID: tenantID,
			Type:     domain.TaskCapturePayment,
			Payload: map[string]interface{}{
				"client_id":    clientID,
				"kind":         string(domain.PaymentRound),
				"amount_minor": e.roundFeeMinor,
				"attempt":      c.PaymentAttempts + 1,
			},
			IdempotencyKey: fmt.Sprintf("capture:%s:round1:%d", clientID, c.PaymentAttempts+1),
		})
		return err
	})
}

// onOverdue: 35 business days of bureau silence auto-escalates the client and
// bumps every still-disputed item one statutory rung.
func (e *Engine) onOverdue(ctx context.Context, tenantID, clientID string) error {
	return e.withClient(ctx, tenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		if c.State.RoundNumber() == 0 || c.State != domain.RoundState(c.State.RoundNumber(), "in_flight") {
			e.ignore(tx, c, c.State, domain.StateEscalatedRegulatory, "overdue fired outside in_flight")
			return nil
		}
		items, err := tx.ListDisputeItems(ctx, tenantID, clientID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.Status != domain.ItemDisputed {
				continue
			}
			item.Escalation = item.Escalation.Next()
			if err := tx.UpsertDisputeItem(ctx, item); err != nil {
				return err
			}
		}
		return e.transition(ctx, tx, c, domain.StateEscalatedRegulatory, "system", false)
	})
}

// ============================================================================
// PAYMENT REACTIONS
// ============================================================================

func (e *Engine) onPaymentCaptured(ctx context.Context, ev *domain.Event) error {
	if domain.PaymentKind(ev.Str("kind")) != domain.PaymentRound {
		return nil
	}
	clientID := ev.Str("client_id")
	return e.withClient(ctx, ev.TenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		c.PaymentAttempts = 0
		if c.State != domain.StateCROAHold {
			return tx.UpdateClient(ctx, c)
		}
		// Capture before the hold lapses is held; the croa_hold firing
		// finishes the job. Capture after it begins round 1 immediately.
		if c.CancellationPeriodEnd != nil && tx.Now().After(*c.CancellationPeriodEnd) {
			return e.beginRound(ctx, tx, c, 1, "system")
		}
		return tx.UpdateClient(ctx, c)
	})
}

func (e *Engine) onPaymentFailed(ctx context.Context, ev *domain.Event) error {
	clientID := ev.Str("client_id")
	return e.withClient(ctx, ev.TenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		c.PaymentAttempts++
		if c.PaymentAttempts >= maxPaymentAttempts {
			if err := e.transition(ctx, tx, c, domain.StatePaymentBlocked, "system", false); err != nil {
				return err
			}
			tx.Emit(c.TenantID, domain.AggregateClient, c.ID, domain.EventPaymentBlocked, map[string]interface{}{
				"client_id": c.ID,
				"attempts":  c.PaymentAttempts,
			})
			return nil
		}
		if err := tx.UpdateClient(ctx, c); err != nil {
			return err
		}

		runAt := tx.Now().Add(paymentRetryDelay)
		if _, _, err := e.queue.EnqueueTx(ctx, tx, taskqueue.Request{
			TenantID: c.TenantID,
			Type:     domain.TaskSendReminder,
			Payload: map[string]interface{}{
				"client_id": c.ID,
				"template":  "payment_retry",
				"attempt":   c.PaymentAttempts,
			},
			RunAt:          runAt,
			IdempotencyKey: fmt.Sprintf("payment-reminder:%s:%d", c.ID, c.PaymentAttempts),
		}); err != nil {
			return err
		}
		_, _, err := e.queue.EnqueueTx(ctx, tx, taskqueue.Request{
			TenantID: c.TenantID,
			Type:     domain.TaskCapturePayment,
			Payload: map[string]interface{}{
				"client_id":    c.ID,
				"kind":         string(domain.PaymentRound),
				"amount_minor": e.roundFeeMinor,
				"attempt":      c.PaymentAttempts + 1,
			},
			RunAt:          runAt,
			IdempotencyKey: fmt.Sprintf("capture:%s:round1:%d", c.ID, c.PaymentAttempts+1),
		})
		return err
	})
}

// ============================================================================
// LETTER / BATCH REACTIONS
// ============================================================================

// onLetterGenerated advances to pending_approval once every target for the
// round has a letter. Re-entrant: a duplicate event finds the state already
// advanced and no-ops.
func (e *Engine) onLetterGenerated(ctx context.Context, ev *domain.Event) error {
	clientID := ev.Str("client_id")
	round := int(ev.Int("round"))
	return e.withClient(ctx, ev.TenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		if c.State != domain.RoundState(round, "letters_generated") {
			return nil
		}
		letters, err := tx.ListLettersByRound(ctx, c.TenantID, c.ID, round)
		if err != nil {
			return err
		}
		pending, err := e.roundTargets(ctx, tx, c)
		if err != nil {
			return err
		}
		if len(letters) < len(pending) {
			return nil
		}
		return e.transition(ctx, tx, c, domain.RoundState(round, "pending_approval"), "system", false)
	})
}

func (e *Engine) onBatchUploaded(ctx context.Context, ev *domain.Event) error {
	clientID := ev.Str("client_id")
	if clientID == "" {
		return nil
	}
	round := int(ev.Int("round"))
	return e.withClient(ctx, ev.TenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		if c.State != domain.RoundState(round, "pending_approval") {
			e.ignore(tx, c, c.State, domain.RoundState(round, "in_flight"), "batch uploaded out of order")
			return nil
		}
		return e.transition(ctx, tx, c, domain.RoundState(round, "in_flight"), "system", false)
	})
}

// ============================================================================
// ROUND START & TARGETS
// ============================================================================

// beginRound transitions into round{N}_letters_generated and enqueues one AI
// generation task per target. Idempotency keys pin each task to
// (client, round, recipient) so replays coalesce.
func (e *Engine) beginRound(ctx context.Context, tx *store.Tx, c *domain.Client, round int, actor string) error {
	if err := e.transition(ctx, tx, c, domain.RoundState(round, "letters_generated"), actor, actor != "system"); err != nil {
		return err
	}
	targets, err := e.roundTargets(ctx, tx, c)
	if err != nil {
		return err
	}
	for _, bureau := range targets {
		if _, _, err := e.queue.EnqueueTx(ctx, tx, taskqueue.Request{
			TenantID: c.TenantID,
			Type:     domain.TaskGenerateLetterAI,
			Payload: map[string]interface{}{
				"client_id": c.ID,
				"round":     round,
				"bureau":    string(bureau),
				"kind":      string(domain.RoundLetterKind(round)),
			},
			IdempotencyKey: fmt.Sprintf("ai:%s:%d:%s", c.ID, round, bureau),
		}); err != nil {
			return err
		}
	}
	return nil
}

// roundTargets lists the bureaus that still carry disputable items.
func (e *Engine) roundTargets(ctx context.Context, tx *store.Tx, c *domain.Client) ([]domain.Bureau, error) {
	items, err := tx.ListDisputeItems(ctx, c.TenantID, c.ID)
	if err != nil {
		return nil, err
	}
	seen := map[domain.Bureau]bool{}
	var out []domain.Bureau
	for _, b := range domain.Bureaus {
		for _, item := range items {
			if item.Bureau != b || seen[b] {
				continue
			}
			switch item.Status {
			case domain.ItemPending, domain.ItemDisputed, domain.ItemReinserted, domain.ItemVerified:
				seen[b] = true
				out = append(out, b)
			}
		}
	}
	return out, nil
}

// ============================================================================
// FAILURE RESIDUE
// ============================================================================

// onFailureEvent converts every non-transient failure into a durable
// requires-action item. Nothing silently regresses.
func (e *Engine) onFailureEvent(ctx context.Context, ev *domain.Event) error {
	if suppressFailureResidue(ev) {
		return nil
	}
	clientID := ev.Str("client_id")
	detail := ev.Str("error")
	if detail == "" {
		detail = fmt.Sprintf("%s on %s %s", ev.Type, ev.AggregateType, ev.AggregateID)
	}
	return e.requireAction(ctx, ev.TenantID, clientID, ev.Type, detail)
}

// suppressFailureResidue reports whether a failure event should skip the
// requires-action write. Cooperative cancellations are the one case: the
// dead-letter row and its event are the audit trail, and there is nothing
// for staff to do about a task that was told to stop.
func suppressFailureResidue(ev *domain.Event) bool {
	return ev.Type == domain.EventTaskDead && ev.Str("class") == adapters.ClassCancelled.String()
}

func (e *Engine) requireAction(ctx context.Context, tenantID, clientID, kind, detail string) error {
	return e.gw.Run(ctx, func(tx *store.Tx) error {
		r := &domain.RequiresAction{
			ID:       uuid.NewString(),
			TenantID: tenantID,
			ClientID: clientID,
			Kind:     kind,
			Detail:   detail,
		}
		if err := tx.InsertRequiresAction(ctx, r); err != nil {
			return err
		}
		tx.Emit(tenantID, domain.AggregateClient, clientID, domain.EventRequiresActionAdded, map[string]interface{}{
			"id":     r.ID,
			"kind":   kind,
			"detail": detail,
		})
		return nil
	})
}

func (e *Engine) audit(tenantID, actor, action, resourceType, resourceID string) *domain.AuditEntry {
	return &domain.AuditEntry{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

func hashJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
