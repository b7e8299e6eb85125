package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/disputeworks/core/internal/adapters"
	"github.com/disputeworks/core/internal/batch"
	"github.com/disputeworks/core/internal/dispute"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/status"
	"github.com/disputeworks/core/internal/store"
)

// actor identifies the staff user for audit rows. The gateway in front of
// this service authenticates; we only record who it says acted.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "staff"
}

// mapError translates command-layer errors onto HTTP statuses.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, dispute.ErrInvalidTransition),
		errors.Is(err, dispute.ErrManualHold),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, batch.ErrLetterState),
		errors.Is(err, batch.ErrBatchState),
		errors.Is(err, batch.ErrBatchEmpty),
		errors.Is(err, batch.ErrUploadInFlight):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case adapters.ClassOf(err) == adapters.ClassPolicyBlocked:
		writeError(w, http.StatusUnprocessableEntity, "policy_blocked", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return false
	}
	return true
}

// ============================================================================
// DISPUTE COMMANDS
// ============================================================================

func (s *Server) handleAdvanceRound(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Round int `json:"round"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	clientID := mux.Vars(r)["clientId"]

	state, err := s.disputes.AdvanceRound(r.Context(), tenantID(r), clientID, body.Round, actor(r))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_id": clientID,
		"state":     state,
	})
}

func (s *Server) handleSignCROA(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientId"]
	if err := s.disputes.SignCROA(r.Context(), tenantID(r), clientID, actor(r)); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_id": clientID, "status": "signed"})
}

func (s *Server) handleClearHold(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientId"]
	if err := s.disputes.ClearManualHold(r.Context(), tenantID(r), clientID, actor(r)); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_id": clientID, "status": "hold_cleared"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientId"]
	if err := s.disputes.RequestCancel(r.Context(), tenantID(r), clientID, actor(r)); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_id": clientID, "status": "cancelling"})
}

func (s *Server) handleRecordResponse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string                `json:"client_id"`
		Outcomes []dispute.ItemOutcome `json:"outcomes"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ClientID == "" || len(body.Outcomes) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "client_id and outcomes are required")
		return
	}
	letterID := mux.Vars(r)["letterId"]

	err := s.disputes.RecordResponse(r.Context(), tenantID(r), body.ClientID, letterID, body.Outcomes, actor(r))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"letter_id": letterID, "status": "recorded"})
}

func (s *Server) handleImportReport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID       string `json:"clientId"`
		Provider       string `json:"provider"`
		CredentialsRef string `json:"credentialsRef"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ClientID == "" || body.Provider == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "clientId and provider are required")
		return
	}

	taskID, err := s.disputes.RequestReportImport(r.Context(), tenantID(r), body.ClientID, body.Provider, body.CredentialsRef)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// ============================================================================
// LETTER / BATCH COMMANDS
// ============================================================================

func (s *Server) handleApproveLetter(w http.ResponseWriter, r *http.Request) {
	letterID := mux.Vars(r)["letterId"]
	if err := s.pipeline.ApproveLetter(r.Context(), tenantID(r), letterID, actor(r)); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"letter_id": letterID, "status": "approved"})
}

func (s *Server) handleApproveBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batchId"]
	taskID, err := s.pipeline.ApproveBatch(r.Context(), tenantID(r), batchID, actor(r))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID, "task_id": taskID})
}

func (s *Server) handleClearRequiresAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.gw.Run(r.Context(), func(tx *store.Tx) error {
		return tx.ClearRequiresAction(r.Context(), tenantID(r), id, actor(r))
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cleared"})
}

// ============================================================================
// STATUS
// ============================================================================

func (s *Server) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	view, err := status.Project(r.Context(), s.gw, tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ============================================================================
// PAYMENT WEBHOOKS
// ============================================================================

// paymentWebhook is the provider's event envelope.
type paymentWebhook struct {
	EventID     string `json:"event_id"`
	Type        string `json:"type"`
	TenantID    string `json:"tenant_id"`
	ClientID    string `json:"client_id"`
	PaymentID   string `json:"payment_id"`
	Kind        string `json:"kind"`
	AmountMinor int64  `json:"amount_minor"`
	ProviderRef string `json:"provider_ref"`
}

// handlePaymentWebhook ingests provider payment events. The HMAC signature
// is verified over the raw body before anything is parsed; replays are
// deduplicated on provider event id, so the provider can deliver
// at-least-once.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if !adapters.VerifyWebhookSignature(raw, r.Header.Get("X-Webhook-Signature"), s.webhookSecret) {
		writeError(w, http.StatusUnauthorized, "bad_signature", "webhook signature mismatch")
		return
	}

	var ev paymentWebhook
	if err := json.Unmarshal(raw, &ev); err != nil || ev.EventID == "" || ev.TenantID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed webhook payload")
		return
	}

	var st domain.PaymentStatus
	var eventType string
	switch ev.Type {
	case "payment.held":
		st, eventType = domain.PaymentHeld, domain.EventPaymentHeld
	case "payment.captured":
		st, eventType = domain.PaymentCaptured, domain.EventPaymentCaptured
	case "payment.refunded":
		st, eventType = domain.PaymentRefunded, domain.EventPaymentRefunded
	case "payment.failed":
		st, eventType = domain.PaymentFailed, domain.EventPaymentFailed
	default:
		// Unknown event kinds acknowledge without effect so the provider
		// stops redelivering them.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	err = s.gw.Run(r.Context(), func(tx *store.Tx) error {
		return ingestPaymentEvent(r.Context(), tx, ev, st, eventType)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "payment not found for refund")
			return
		}
		s.logger.Printf("❌ Webhook %s failed: %v", ev.EventID, err)
		writeError(w, http.StatusInternalServerError, "internal", "webhook processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// paymentIngestStore is the slice of the transaction the webhook ingest
// touches; *store.Tx satisfies it.
type paymentIngestStore interface {
	PaymentByProviderEvent(ctx context.Context, providerEventID string) (*domain.Payment, error)
	GetPayment(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error)
	InsertPayment(ctx context.Context, p *domain.Payment) (bool, error)
	UpdatePaymentStatus(ctx context.Context, tenantID, paymentID string, status domain.PaymentStatus) error
	Emit(tenantID, aggregateType, aggregateID, eventType string, payload map[string]interface{})
}

// ingestPaymentEvent applies one provider event inside a transaction.
// Redeliveries are absorbed twice: the provider-event-id pre-read catches
// them cheaply, and the insert's unique index catches the race where two
// deliveries pass the pre-read concurrently. Either way at most one domain
// event is emitted per provider event.
func ingestPaymentEvent(ctx context.Context, tx paymentIngestStore, ev paymentWebhook, st domain.PaymentStatus, eventType string) error {
	if _, err := tx.PaymentByProviderEvent(ctx, ev.EventID); err == nil {
		return nil // replay
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if ev.Type == "payment.refunded" {
		// Refunds reference an existing charge rather than creating one.
		p, err := tx.GetPayment(ctx, ev.TenantID, ev.PaymentID)
		if err != nil {
			return err
		}
		if err := tx.UpdatePaymentStatus(ctx, ev.TenantID, p.ID, st); err != nil {
			return err
		}
		tx.Emit(ev.TenantID, domain.AggregatePayment, p.ID, eventType, map[string]interface{}{
			"client_id":    p.ClientID,
			"kind":         string(p.Kind),
			"amount_minor": ev.AmountMinor,
			"reason":       "provider_refund",
		})
		return nil
	}

	p := &domain.Payment{
		ID:              ev.PaymentID,
		TenantID:        ev.TenantID,
		ClientID:        ev.ClientID,
		Kind:            domain.PaymentKind(ev.Kind),
		AmountMinor:     ev.AmountMinor,
		Status:          st,
		ProviderRef:     ev.ProviderRef,
		ProviderEventID: ev.EventID,
	}
	inserted, err := tx.InsertPayment(ctx, p)
	if err != nil {
		return err
	}
	if !inserted {
		return nil // replay raced past the read above
	}
	tx.Emit(ev.TenantID, domain.AggregatePayment, p.ID, eventType, map[string]interface{}{
		"client_id":    p.ClientID,
		"kind":         string(p.Kind),
		"amount_minor": p.AmountMinor,
	})
	return nil
}
