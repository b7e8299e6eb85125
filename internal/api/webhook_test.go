package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/store"
)

// fakePaymentStore mirrors the store contract the ingest path relies on:
// lookup by provider event id, and an insert that reports false on a
// duplicate instead of erroring.
type fakePaymentStore struct {
	byProviderEvent map[string]*domain.Payment
	byID            map[string]*domain.Payment
	emitted         []string
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{
		byProviderEvent: make(map[string]*domain.Payment),
		byID:            make(map[string]*domain.Payment),
	}
}

func (f *fakePaymentStore) PaymentByProviderEvent(_ context.Context, providerEventID string) (*domain.Payment, error) {
	if p, ok := f.byProviderEvent[providerEventID]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakePaymentStore) GetPayment(_ context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	if p, ok := f.byID[paymentID]; ok && p.TenantID == tenantID {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakePaymentStore) InsertPayment(_ context.Context, p *domain.Payment) (bool, error) {
	if _, ok := f.byProviderEvent[p.ProviderEventID]; ok {
		return false, nil
	}
	f.byProviderEvent[p.ProviderEventID] = p
	f.byID[p.ID] = p
	return true, nil
}

func (f *fakePaymentStore) UpdatePaymentStatus(_ context.Context, tenantID, paymentID string, st domain.PaymentStatus) error {
	p, ok := f.byID[paymentID]
	if !ok || p.TenantID != tenantID {
		return store.ErrNotFound
	}
	p.Status = st
	return nil
}

func (f *fakePaymentStore) Emit(_, _, _, eventType string, _ map[string]interface{}) {
	f.emitted = append(f.emitted, eventType)
}

func capturedEnvelope() paymentWebhook {
	return paymentWebhook{
		EventID:     "evt_prov_001",
		Type:        "payment.captured",
		TenantID:    "t-1",
		ClientID:    "c-1",
		PaymentID:   "pay-1",
		Kind:        "round_fee",
		AmountMinor: 29800,
		ProviderRef: "ch_abc",
	}
}

func TestPaymentWebhookDuplicateDeliveryEmitsOneEvent(t *testing.T) {
	f := newFakePaymentStore()
	ev := capturedEnvelope()

	require.NoError(t, ingestPaymentEvent(context.Background(), f, ev, domain.PaymentCaptured, domain.EventPaymentCaptured))
	require.NoError(t, ingestPaymentEvent(context.Background(), f, ev, domain.PaymentCaptured, domain.EventPaymentCaptured))

	assert.Equal(t, []string{domain.EventPaymentCaptured}, f.emitted, "redelivery must not double-emit")
	assert.Len(t, f.byID, 1)
	assert.Equal(t, domain.PaymentCaptured, f.byID["pay-1"].Status)
}

// blindPaymentStore never sees the pre-read hit, modelling two deliveries
// racing past it; the insert's duplicate report is the only guard left.
type blindPaymentStore struct {
	*fakePaymentStore
}

func (b *blindPaymentStore) PaymentByProviderEvent(context.Context, string) (*domain.Payment, error) {
	return nil, store.ErrNotFound
}

func TestPaymentWebhookInsertRaceEmitsOneEvent(t *testing.T) {
	f := &blindPaymentStore{newFakePaymentStore()}
	ev := capturedEnvelope()

	require.NoError(t, ingestPaymentEvent(context.Background(), f, ev, domain.PaymentCaptured, domain.EventPaymentCaptured))
	require.NoError(t, ingestPaymentEvent(context.Background(), f, ev, domain.PaymentCaptured, domain.EventPaymentCaptured))

	assert.Equal(t, []string{domain.EventPaymentCaptured}, f.emitted)
}

func TestPaymentWebhookRefundUpdatesExistingCharge(t *testing.T) {
	f := newFakePaymentStore()
	ev := capturedEnvelope()
	require.NoError(t, ingestPaymentEvent(context.Background(), f, ev, domain.PaymentCaptured, domain.EventPaymentCaptured))

	refund := ev
	refund.EventID = "evt_prov_002"
	refund.Type = "payment.refunded"
	require.NoError(t, ingestPaymentEvent(context.Background(), f, refund, domain.PaymentRefunded, domain.EventPaymentRefunded))

	assert.Equal(t, domain.PaymentRefunded, f.byID["pay-1"].Status)
	assert.Equal(t, []string{domain.EventPaymentCaptured, domain.EventPaymentRefunded}, f.emitted)
	assert.Len(t, f.byID, 1, "a refund must not create a second payment row")
}

func TestPaymentWebhookRefundForUnknownPaymentFails(t *testing.T) {
	f := newFakePaymentStore()
	refund := capturedEnvelope()
	refund.Type = "payment.refunded"

	err := ingestPaymentEvent(context.Background(), f, refund, domain.PaymentRefunded, domain.EventPaymentRefunded)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.emitted)
}

// ============================================================================
// HTTP GATES
// ============================================================================

func webhookServer() *Server {
	return &Server{
		webhookSecret: "whsec-test",
		logger:        log.New(io.Discard, "", 0),
	}
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(s *Server, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", signature)
	rec := httptest.NewRecorder()
	s.handlePaymentWebhook(rec, req)
	return rec
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	s := webhookServer()
	body := []byte(`{"event_id":"evt_1","type":"payment.captured","tenant_id":"t-1"}`)

	rec := postWebhook(s, body, signBody(body, "wrong-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(s, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPaymentWebhookRejectsMalformedPayload(t *testing.T) {
	s := webhookServer()
	for _, body := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"payment.captured"}`), // missing event_id and tenant_id
	} {
		rec := postWebhook(s, body, signBody(body, s.webhookSecret))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestPaymentWebhookAcknowledgesUnknownTypes(t *testing.T) {
	s := webhookServer()
	body := []byte(`{"event_id":"evt_1","type":"payment.disputed","tenant_id":"t-1"}`)

	rec := postWebhook(s, body, signBody(body, s.webhookSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")
}
