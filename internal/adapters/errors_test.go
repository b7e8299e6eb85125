package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, ClassTransient, ClassOf(Transient("op", base)))
	assert.Equal(t, ClassPermanent, ClassOf(Permanent("op", base)))
	assert.Equal(t, ClassPolicyBlocked, ClassOf(PolicyBlocked("op", base)))
	assert.Equal(t, ClassCancelled, ClassOf(Cancelled("op", base)))
}

func TestClassOfUnclassifiedDefaultsTransient(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassOf(errors.New("network weirdness")))
}

func TestClassOfWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("capture payment: %w", Permanent("capture", errors.New("card declined")))
	assert.Equal(t, ClassPermanent, ClassOf(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("declined")
	err := Permanent("capture", base)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "PERMANENT")
	assert.Contains(t, err.Error(), "capture")
}

func TestVerifyWebhookSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event_id":"pe-1","type":"payment.captured"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyWebhookSignature(body, sig, secret))
	assert.False(t, VerifyWebhookSignature(body, sig, "other-secret"))
	assert.False(t, VerifyWebhookSignature([]byte(`tampered`), sig, secret))
	assert.False(t, VerifyWebhookSignature(body, "", secret))
}
