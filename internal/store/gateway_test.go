package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(ErrConflict))
	assert.True(t, retryable(fmt.Errorf("update client: %w", ErrConflict)))
	assert.True(t, retryable(&pq.Error{Code: "40001"})) // serialization_failure
	assert.True(t, retryable(&pq.Error{Code: "40P01"})) // deadlock_detected

	assert.False(t, retryable(ErrNotFound))
	assert.False(t, retryable(errors.New("connection refused")))
	assert.False(t, retryable(&pq.Error{Code: "23505"}), "unique violations are the caller's signal, not a retry")
}

func TestSerializationDetectsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("commit: %w", &pq.Error{Code: "40001"})
	assert.True(t, isSerialization(wrapped))
	assert.False(t, isSerialization(fmt.Errorf("commit: %w", errors.New("broken pipe"))))
}
