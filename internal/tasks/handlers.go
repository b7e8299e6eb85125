// Package tasks wires every background task type to its handler. Handlers
// follow one shape: read state in a transaction, call adapters outside any
// transaction, write results in a second transaction. Adapter errors carry
// their class; the worker decides retry, dead-letter, or ack.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/disputeworks/core/internal/adapters"
	"github.com/disputeworks/core/internal/batch"
	"github.com/disputeworks/core/internal/clock"
	"github.com/disputeworks/core/internal/crypto"
	"github.com/disputeworks/core/internal/deadline"
	"github.com/disputeworks/core/internal/dispute"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/store"
	"github.com/disputeworks/core/internal/taskqueue"
	"github.com/disputeworks/core/internal/trigger"
)

// staleHoldAge is how long an uncaptured payment hold may sit before the
// hourly sweep releases it back to the card.
const staleHoldAge = 7 * 24 * time.Hour

// Deps collects everything the handlers reach for.
type Deps struct {
	Gateway  *store.Gateway
	Queue    *taskqueue.Queue
	Clock    clock.Clock
	Disputes *dispute.Engine
	Pipeline *batch.Pipeline
	Triggers *trigger.Engine
	Writer   adapters.Writer
	Scraper  adapters.Scraper
	Payments adapters.PaymentGateway
	Notifier adapters.Notifier
	Sealer   *crypto.Sealer
}

type handlers struct {
	Deps
	logger *log.Logger
}

// BuildRegistry maps every task type to its handler.
func BuildRegistry(d Deps) taskqueue.Registry {
	h := &handlers{Deps: d, logger: log.New(log.Writer(), "[TASKS] ", log.LstdFlags)}
	return taskqueue.Registry{
		domain.TaskGenerateLetterAI:   h.generateLetter,
		domain.TaskScrapeCreditReport: h.scrapeReport,
		domain.TaskCapturePayment:     h.capturePayment,
		domain.TaskReleasePaymentHold: h.releaseHold,
		domain.TaskExpireStaleHold:    h.expireStaleHolds,
		domain.TaskSendEmail:          h.notify(adapters.ChannelEmail),
		domain.TaskSendSMS:            h.notify(adapters.ChannelSMS),
		domain.TaskSendPush:           h.notify(adapters.ChannelPush),
		domain.TaskSendReminder:       h.sendReminder,
		domain.TaskRunScheduledReport: h.runScheduledReport,
		domain.TaskAdvanceRound:       h.advanceRound,
		domain.TaskUploadBatchSFTP:    d.Pipeline.UploadHandler(),
		domain.TaskPollTrackingSFTP:   d.Pipeline.PollTrackingHandler(),
		domain.TaskFireDeadline:       deadline.FireHandler(d.Gateway),
		domain.TaskEvaluateTrigger:    d.Triggers.ReplayHandler(),
	}
}

// ============================================================================
// LETTER GENERATION
// ============================================================================

// generateLetter composes the statutory skeleton, has the AI writer produce
// the persuasive body, and persists the letter awaiting staff approval. A
// policy-blocked generation becomes a letter.blocked event, not a retry.
func (h *handlers) generateLetter(ctx context.Context, task *domain.Task) error {
	var p struct {
		ClientID string `json:"client_id"`
		Round    int    `json:"round"`
		Bureau   string `json:"bureau"`
		Kind     string `json:"kind"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ClientID == "" || p.Bureau == "" {
		return adapters.Permanent("tasks.generate_letter", fmt.Errorf("bad payload: %v", err))
	}
	bureau := domain.Bureau(p.Bureau)
	kind := domain.LetterKind(p.Kind)
	if kind == "" {
		kind = domain.RoundLetterKind(p.Round)
	}

	var (
		c     *domain.Client
		items []*domain.DisputeItem
		done  bool
	)
	err := h.Gateway.Run(ctx, func(tx *store.Tx) error {
		var err error
		c, err = tx.GetClient(ctx, task.TenantID, p.ClientID)
		if err != nil {
			return err
		}
		existing, err := tx.ListLettersByRound(ctx, task.TenantID, p.ClientID, p.Round)
		if err != nil {
			return err
		}
		for _, l := range existing {
			if l.Recipient.Bureau == bureau && l.Status != domain.LetterUndeliverable {
				done = true // replayed task; the letter already exists
				return nil
			}
		}
		all, err := tx.ListDisputeItems(ctx, task.TenantID, p.ClientID)
		if err != nil {
			return err
		}
		for _, it := range all {
			if it.Bureau != bureau {
				continue
			}
			switch it.Status {
			case domain.ItemPending, domain.ItemDisputed, domain.ItemReinserted, domain.ItemVerified:
				items = append(items, it)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	if len(items) == 0 {
		h.logger.Printf("⚠️ No disputable items for %s at %s, skipping letter", p.ClientID, bureau)
		return nil
	}

	recipient := dispute.BureauRecipient(bureau)
	clientName := h.clientName(c)
	skeleton := dispute.Compose(dispute.LetterInput{
		ClientName: clientName,
		Date:       h.Clock.Now().In(h.Clock.Location()),
		Round:      p.Round,
		Kind:       kind,
		Recipient:  recipient,
		Items:      items,
	})

	summaries := make([]string, 0, len(items))
	for _, it := range items {
		summaries = append(summaries, fmt.Sprintf("%s account ending %s, stage §%s",
			it.Status, lastFour(it.AccountNumber), it.Escalation))
	}

	result, err := h.Writer.GenerateLetter(ctx, adapters.LetterRequest{
		TenantID:      task.TenantID,
		ClientID:      p.ClientID,
		ClientName:    clientName,
		Round:         p.Round,
		Kind:          kind,
		Recipient:     recipient,
		Skeleton:      skeleton,
		ItemSummaries: summaries,
	})
	if adapters.ClassOf(err) == adapters.ClassPolicyBlocked {
		return h.Gateway.Run(ctx, func(tx *store.Tx) error {
			tx.Emit(task.TenantID, domain.AggregateClient, p.ClientID, domain.EventLetterBlocked, map[string]interface{}{
				"client_id": p.ClientID,
				"round":     p.Round,
				"bureau":    string(bureau),
				"error":     fmt.Sprintf("generation policy-blocked: %v", err),
			})
			return nil
		})
	}
	if err != nil {
		return err
	}

	return h.Gateway.Run(ctx, func(tx *store.Tx) error {
		l := &domain.Letter{
			ID:        uuid.NewString(),
			TenantID:  task.TenantID,
			ClientID:  p.ClientID,
			Round:     p.Round,
			Kind:      kind,
			Recipient: recipient,
			Status:    domain.LetterPendingApproval,
			Body:      result.Text,
			SHA256:    hashBody(result.Text),
			TokenCost: result.Tokens,
		}
		if err := tx.InsertLetter(ctx, l); err != nil {
			return err
		}
		tx.Emit(task.TenantID, domain.AggregateLetter, l.ID, domain.EventLetterGenerated, map[string]interface{}{
			"client_id": p.ClientID,
			"round":     p.Round,
			"bureau":    string(bureau),
			"kind":      string(kind),
			"tokens":    result.Tokens,
		})
		return nil
	})
}

// clientName unseals just the display name; the rest of the PII stays sealed.
func (h *handlers) clientName(c *domain.Client) string {
	if len(c.SealedPII) == 0 {
		return "Client"
	}
	plain, err := h.Sealer.Open(c.SealedPII)
	if err != nil {
		return "Client"
	}
	var pii struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(plain, &pii) != nil || pii.Name == "" {
		return "Client"
	}
	return pii.Name
}

func lastFour(n string) string {
	if len(n) <= 4 {
		return n
	}
	return n[len(n)-4:]
}

func hashBody(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// CREDIT REPORT SCRAPE
// ============================================================================

func (h *handlers) scrapeReport(ctx context.Context, task *domain.Task) error {
	var p struct {
		ClientID string `json:"client_id"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ClientID == "" || p.Provider == "" {
		return adapters.Permanent("tasks.scrape", fmt.Errorf("bad payload: %v", err))
	}

	var creds []byte
	err := h.Gateway.Run(ctx, func(tx *store.Tx) error {
		c, err := tx.GetClient(ctx, task.TenantID, p.ClientID)
		if err != nil {
			return err
		}
		creds = c.SealedBureauCreds
		return nil
	})
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		return adapters.Permanent("tasks.scrape",
			fmt.Errorf("client %s has no monitoring credentials", p.ClientID))
	}

	report, err := h.Scraper.Scrape(ctx, task.TenantID, p.Provider, creds)
	if err != nil {
		return err
	}
	return h.Disputes.ApplyReport(ctx, task.TenantID, p.ClientID, report)
}

// ============================================================================
// PAYMENTS
// ============================================================================

// capturePayment charges the card on file. A decline is an answer, not a
// failure: it becomes a payment.failed event and the task acks.
func (h *handlers) capturePayment(ctx context.Context, task *domain.Task) error {
	var p struct {
		ClientID    string `json:"client_id"`
		Kind        string `json:"kind"`
		AmountMinor int64  `json:"amount_minor"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ClientID == "" || p.AmountMinor <= 0 {
		return adapters.Permanent("tasks.capture", fmt.Errorf("bad payload: %v", err))
	}
	kind := domain.PaymentKind(p.Kind)
	if kind == "" {
		kind = domain.PaymentRound
	}

	var cardToken string
	err := h.Gateway.Run(ctx, func(tx *store.Tx) error {
		c, err := tx.GetClient(ctx, task.TenantID, p.ClientID)
		if err != nil {
			return err
		}
		cardToken = c.CardTokenRef
		return nil
	})
	if err != nil {
		return err
	}
	if cardToken == "" {
		return adapters.Permanent("tasks.capture",
			fmt.Errorf("client %s has no card on file", p.ClientID))
	}

	ref, err := h.Payments.Capture(ctx, task.TenantID, cardToken, "", p.AmountMinor, task.IdempotencyKey)
	if adapters.ClassOf(err) == adapters.ClassPermanent && err != nil {
		return h.Gateway.Run(ctx, func(tx *store.Tx) error {
			pay := &domain.Payment{
				ID:          uuid.NewString(),
				TenantID:    task.TenantID,
				ClientID:    p.ClientID,
				Kind:        kind,
				AmountMinor: p.AmountMinor,
				Status:      domain.PaymentFailed,
			}
			if _, err := tx.InsertPayment(ctx, pay); err != nil {
				return err
			}
			tx.Emit(task.TenantID, domain.AggregatePayment, pay.ID, domain.EventPaymentFailed, map[string]interface{}{
				"client_id":    p.ClientID,
				"kind":         string(kind),
				"amount_minor": p.AmountMinor,
				"error":        err.Error(),
			})
			return nil
		})
	}
	if err != nil {
		return err
	}

	return h.Gateway.Run(ctx, func(tx *store.Tx) error {
		pay := &domain.Payment{
			ID:          uuid.NewString(),
			TenantID:    task.TenantID,
			ClientID:    p.ClientID,
			Kind:        kind,
			AmountMinor: p.AmountMinor,
			Status:      domain.PaymentCaptured,
			ProviderRef: ref,
		}
		if _, err := tx.InsertPayment(ctx, pay); err != nil {
			return err
		}
		tx.Emit(task.TenantID, domain.AggregatePayment, pay.ID, domain.EventPaymentCaptured, map[string]interface{}{
			"client_id":    p.ClientID,
			"kind":         string(kind),
			"amount_minor": p.AmountMinor,
			"provider_ref": ref,
		})
		return nil
	})
}

func (h *handlers) releaseHold(ctx context.Context, task *domain.Task) error {
	var p struct {
		PaymentID string `json:"payment_id"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.PaymentID == "" {
		return adapters.Permanent("tasks.release_hold", fmt.Errorf("bad payload: %v", err))
	}

	var pay *domain.Payment
	err := h.Gateway.Run(ctx, func(tx *store.Tx) error {
		var err error
		pay, err = tx.GetPayment(ctx, task.TenantID, p.PaymentID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if pay.Status != domain.PaymentHeld {
		return nil // replayed release
	}

	if err := h.Payments.Release(ctx, task.TenantID, pay.ProviderRef); err != nil {
		return err
	}
	return h.markReleased(ctx, task.TenantID, pay, "requested")
}

// expireStaleHolds releases authorization holds older than seven days. Card
// networks expire them anyway; releasing proactively keeps the consumer's
// available credit clean.
func (h *handlers) expireStaleHolds(ctx context.Context, task *domain.Task) error {
	var stale []*domain.Payment
	err := h.Gateway.Run(ctx, func(tx *store.Tx) error {
		var err error
		stale, err = tx.ListStaleHeldPayments(ctx, task.TenantID, tx.Now().Add(-staleHoldAge))
		return err
	})
	if err != nil {
		return err
	}

	for _, pay := range stale {
		if err := h.Payments.Release(ctx, task.TenantID, pay.ProviderRef); err != nil {
			return err
		}
		if err := h.markReleased(ctx, task.TenantID, pay, "stale_hold"); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		h.logger.Printf("🧹 Released %d stale holds for tenant %s", len(stale), task.TenantID)
	}
	return nil
}

func (h *handlers) markReleased(ctx context.Context, tenantID string, pay *domain.Payment, reason string) error {
	return h.Gateway.Run(ctx, func(tx *store.Tx) error {
		if err := tx.UpdatePaymentStatus(ctx, tenantID, pay.ID, domain.PaymentRefunded); err != nil {
			return err
		}
		tx.Emit(tenantID, domain.AggregatePayment, pay.ID, domain.EventPaymentRefunded, map[string]interface{}{
			"client_id":    pay.ClientID,
			"kind":         string(pay.Kind),
			"amount_minor": pay.AmountMinor,
			"reason":       reason,
		})
		return nil
	})
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

func (h *handlers) notify(ch adapters.Channel) taskqueue.Handler {
	return func(ctx context.Context, task *domain.Task) error {
		template, recipient, vars, err := notificationFields(task.Payload)
		if err != nil {
			return adapters.Permanent("tasks.notify", err)
		}
		return h.Notifier.Send(ctx, task.TenantID, ch, template, recipient, vars)
	}
}

// sendReminder is an email with a reminder default template; trigger rules
// and the payment retry path both enqueue it.
func (h *handlers) sendReminder(ctx context.Context, task *domain.Task) error {
	template, recipient, vars, err := notificationFields(task.Payload)
	if err != nil {
		return adapters.Permanent("tasks.reminder", err)
	}
	if template == "" {
		template = "reminder"
	}
	return h.Notifier.Send(ctx, task.TenantID, adapters.ChannelEmail, template, recipient, vars)
}

func notificationFields(raw json.RawMessage) (template, recipient string, vars map[string]string, err error) {
	var p map[string]interface{}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", "", nil, fmt.Errorf("bad payload: %w", err)
	}
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := p[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	recipient = str("recipient", "to")
	if recipient == "" {
		return "", "", nil, errors.New("no recipient")
	}
	vars = make(map[string]string)
	for k, v := range p {
		if s, ok := v.(string); ok {
			vars[k] = s
		}
	}
	return str("template"), recipient, vars, nil
}

// ============================================================================
// SCHEDULED REPORT & ROUND ADVANCE
// ============================================================================

// runScheduledReport mails staff a digest of what needs attention. The
// schedule's payload names the recipient.
func (h *handlers) runScheduledReport(ctx context.Context, task *domain.Task) error {
	var p struct {
		To string `json:"to"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.To == "" {
		h.logger.Printf("⚠️ Scheduled report for %s has no recipient, skipping", task.TenantID)
		return nil
	}

	var open int
	err := h.Gateway.Run(ctx, func(tx *store.Tx) error {
		var err error
		open, err = tx.CountTenantOpenRequiresAction(ctx, task.TenantID)
		return err
	})
	if err != nil {
		return err
	}

	return h.Notifier.Send(ctx, task.TenantID, adapters.ChannelEmail, "ops_digest", p.To, map[string]string{
		"open_requires_action": fmt.Sprintf("%d", open),
		"generated_at":         h.Clock.Now().Format(time.RFC3339),
	})
}

// advanceRound runs the round-advance command for trigger-driven automation.
// A precondition miss is an ignored automatic transition, not an error.
func (h *handlers) advanceRound(ctx context.Context, task *domain.Task) error {
	var p struct {
		ClientID string `json:"client_id"`
		Round    int    `json:"round"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ClientID == "" || p.Round < 1 {
		return adapters.Permanent("tasks.advance_round", fmt.Errorf("bad payload: %v", err))
	}

	_, err := h.Disputes.AdvanceRound(ctx, task.TenantID, p.ClientID, p.Round, "system")
	if errors.Is(err, dispute.ErrInvalidTransition) {
		h.logger.Printf("⏭️ Round %d advance for %s not applicable, skipping", p.Round, p.ClientID)
		return nil
	}
	return err
}
