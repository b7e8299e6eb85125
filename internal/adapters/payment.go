package adapters

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
)

// PaymentGateway is the charge-processor interface. Webhooks flow in through
// the HTTP boundary, not through this adapter.
type PaymentGateway interface {
	// Hold places an authorization without capture.
	Hold(ctx context.Context, tenantID, cardTokenRef string, amountMinor int64, idempotencyKey string) (providerRef string, err error)
	// Capture settles a previous hold, or charges directly when holdRef is "".
	Capture(ctx context.Context, tenantID, cardTokenRef, holdRef string, amountMinor int64, idempotencyKey string) (providerRef string, err error)
	// Refund reverses a captured charge.
	Refund(ctx context.Context, tenantID, providerRef string, amountMinor int64, idempotencyKey string) (refundRef string, err error)
	// Release cancels an uncaptured hold.
	Release(ctx context.Context, tenantID, holdRef string) error
}

// HTTPPaymentGateway talks to the processor's REST API. The idempotency key
// is forwarded as the provider's Idempotency-Key header, so a retried call
// settles to the original outcome.
type HTTPPaymentGateway struct {
	endpoint string
	apiKey   string
	client   *http.Client
	runner   *Runner
}

// NewHTTPPaymentGateway builds the processor adapter.
func NewHTTPPaymentGateway(endpoint, apiKey string, runner *Runner) *HTTPPaymentGateway {
	return &HTTPPaymentGateway{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
		runner:   runner,
	}
}

func (g *HTTPPaymentGateway) Hold(ctx context.Context, tenantID, cardTokenRef string, amountMinor int64, idempotencyKey string) (string, error) {
	return g.post(ctx, tenantID, "/v1/holds", idempotencyKey, map[string]interface{}{
		"card_token":   cardTokenRef,
		"amount_minor": amountMinor,
	})
}

func (g *HTTPPaymentGateway) Capture(ctx context.Context, tenantID, cardTokenRef, holdRef string, amountMinor int64, idempotencyKey string) (string, error) {
	body := map[string]interface{}{
		"card_token":   cardTokenRef,
		"amount_minor": amountMinor,
	}
	if holdRef != "" {
		body["hold_ref"] = holdRef
	}
	return g.post(ctx, tenantID, "/v1/captures", idempotencyKey, body)
}

func (g *HTTPPaymentGateway) Refund(ctx context.Context, tenantID, providerRef string, amountMinor int64, idempotencyKey string) (string, error) {
	return g.post(ctx, tenantID, "/v1/refunds", idempotencyKey, map[string]interface{}{
		"charge_ref":   providerRef,
		"amount_minor": amountMinor,
	})
}

func (g *HTTPPaymentGateway) Release(ctx context.Context, tenantID, holdRef string) error {
	_, err := g.post(ctx, tenantID, "/v1/holds/"+holdRef+"/release", "release:"+holdRef, map[string]interface{}{})
	return err
}

func (g *HTTPPaymentGateway) post(ctx context.Context, tenantID, path, idempotencyKey string, body map[string]interface{}) (string, error) {
	var providerRef string
	err := g.runner.Call(ctx, tenantID, "payment", TimeoutDefault, func(ctx context.Context) error {
		payload, err := json.Marshal(body)
		if err != nil {
			return Permanent("payment.request", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return Permanent("payment.request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
		req.Header.Set("Idempotency-Key", idempotencyKey)

		resp, err := g.client.Do(req)
		if err != nil {
			return Transient("payment.call", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
			// Declined: the processor answered, the card did not.
			return Permanent("payment.call", fmt.Errorf("declined: status %d", resp.StatusCode))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return Permanent("payment.call", fmt.Errorf("status %d", resp.StatusCode))
		default:
			return Transient("payment.call", fmt.Errorf("status %d", resp.StatusCode))
		}

		var out struct {
			Ref string `json:"ref"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Transient("payment.decode", err)
		}
		providerRef = out.Ref
		return nil
	})
	return providerRef, err
}

// VerifyWebhookSignature checks the provider's HMAC-SHA256 hex signature
// over the raw body. Constant-time compare; verification is mandatory before
// any webhook payload is parsed.
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
