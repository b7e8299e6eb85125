package dispute

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disputeworks/core/internal/adapters"
	"github.com/disputeworks/core/internal/domain"
)

func deadTaskEvent(class adapters.Class) *domain.Event {
	return &domain.Event{
		TenantID:      "t-1",
		AggregateType: domain.AggregateTask,
		AggregateID:   "task-1",
		Type:          domain.EventTaskDead,
		Payload: map[string]interface{}{
			"type":      "capture_payment",
			"client_id": "c-1",
			"class":     class.String(),
			"error":     "boom",
		},
	}
}

func TestCancelledDeadTaskLeavesNoResidue(t *testing.T) {
	assert.True(t, suppressFailureResidue(deadTaskEvent(adapters.ClassCancelled)))

	// A cancelled dead letter must not reach the store at all; an engine
	// with no gateway panics if it does.
	e := &Engine{logger: log.New(io.Discard, "", 0)}
	require.NoError(t, e.onFailureEvent(context.Background(), deadTaskEvent(adapters.ClassCancelled)))
}

func TestOtherFailureClassesStillRequireAction(t *testing.T) {
	assert.False(t, suppressFailureResidue(deadTaskEvent(adapters.ClassPermanent)))
	assert.False(t, suppressFailureResidue(deadTaskEvent(adapters.ClassPolicyBlocked)))
	assert.False(t, suppressFailureResidue(deadTaskEvent(adapters.ClassTransient)))

	assert.False(t, suppressFailureResidue(&domain.Event{
		Type:    domain.EventLetterBlocked,
		Payload: map[string]interface{}{"client_id": "c-1"},
	}))
	assert.False(t, suppressFailureResidue(&domain.Event{
		Type:    domain.EventPaymentBlocked,
		Payload: map[string]interface{}{"client_id": "c-1"},
	}))
}
