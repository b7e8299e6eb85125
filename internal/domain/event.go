package domain

import (
	"encoding/json"
	"time"
)

// ============================================================================
// DOMAIN EVENTS
// ============================================================================

// Event type names. These are the observable vocabulary of the core; the
// trigger engine and deadline tracker subscribe by these names.
const (
	EventCROASigned          = "croa.signed"
	EventReportImported      = "report.imported"
	EventItemDeleted         = "item.deleted"
	EventItemVerified        = "item.verified"
	EventReinsertionDetected = "reinsertion.detected"
	EventResponseReceived    = "response.received"

	EventLetterGenerated = "letter.generated"
	EventLetterApproved  = "letter.approved"
	EventLetterQueued    = "letter.queued"
	EventLetterSent      = "letter.sent"
	EventLetterDelivered = "letter.delivered"
	EventLetterReturned  = "letter.returned"
	EventLetterBlocked   = "letter.blocked"

	EventBatchUploaded     = "batch.uploaded"
	EventBatchAcknowledged = "batch.acknowledged"
	EventBatchCompleted    = "batch.completed"
	EventBatchFailed       = "batch.failed"

	EventDeadlineCreated = "deadline.created"
	EventDeadlineFired   = "deadline.fired"

	EventPaymentHeld     = "payment.held"
	EventPaymentCaptured = "payment.captured"
	EventPaymentRefunded = "payment.refunded"
	EventPaymentFailed   = "payment.failed"
	EventPaymentBlocked  = "payment.blocked"

	EventTaskDead = "task.dead"

	EventTransitioned        = "dispute.transitioned"
	EventTransitionIgnored   = "transition_ignored"
	EventTransitionRejected  = "transition_rejected"
	EventOverrideLogged      = "override_logged"
	EventRequiresActionAdded = "requires_action.added"
)

// Aggregate type names used in the event envelope.
const (
	AggregateClient  = "client"
	AggregateLetter  = "letter"
	AggregateBatch   = "letter_batch"
	AggregateTask    = "task"
	AggregatePayment = "payment"
	AggregateTenant  = "tenant"
)

// Event is one append-only entry in the domain event log. Sequence is dense
// within an aggregate; consumers resume by (aggregate_id, sequence).
type Event struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenant"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	Type          string                 `json:"type"`
	Sequence      int64                  `json:"sequence"`
	CommitTS      time.Time              `json:"commit_ts"`
	Payload       map[string]interface{} `json:"payload"`
}

// JSON serializes the downstream analytics envelope.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Str reads a string payload field, or "".
func (e *Event) Str(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Int reads a numeric payload field, tolerating JSON float64 decoding.
func (e *Event) Int(key string) int64 {
	switch v := e.Payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
