package domain

import (
	"time"
)

// ============================================================================
// DEADLINES
// ============================================================================

// DeadlineKind names the statutory and SLA dates the tracker manages.
type DeadlineKind string

const (
	// CROA 3-business-day cancellation hold.
	DeadlineCROAHold DeadlineKind = "croa_hold"
	// FCRA §611 30-calendar-day bureau response window, per delivered letter.
	DeadlineRoundResponse DeadlineKind = "round_response"
	// 35-business-day silence window that auto-escalates.
	DeadlineOverdueEscalation DeadlineKind = "overdue_escalation"
	// §605 7-year obsolescence of a negative item.
	DeadlineObsolescence DeadlineKind = "obsolescence"
	// §611(a)(5)(B) 5-business-day reinsertion notice window.
	DeadlineReinsertionNotice DeadlineKind = "reinsertion_notice"
)

// Deadline is one actionable future date. At most one unresolved deadline of
// a given kind exists per parent; firing emits deadline.fired exactly once.
type Deadline struct {
	ID         string       `json:"deadline_id"`
	TenantID   string       `json:"tenant_id"`
	Kind       DeadlineKind `json:"kind"`
	ParentType string       `json:"parent_type"` // client, letter, item
	ParentID   string       `json:"parent_id"`
	ClientID   string       `json:"client_id"`
	DueAt      time.Time    `json:"due_at"`
	FiredAt    *time.Time   `json:"fired_at,omitempty"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Unresolved reports whether the deadline is still live.
func (d *Deadline) Unresolved() bool {
	return d.ResolvedAt == nil
}

// Due reports whether the deadline should fire at now.
func (d *Deadline) Due(now time.Time) bool {
	return d.Unresolved() && d.FiredAt == nil && !d.DueAt.After(now)
}

// ============================================================================
// PAYMENTS
// ============================================================================

// PaymentKind enumerates the charge kinds.
type PaymentKind string

const (
	PaymentAnalysis      PaymentKind = "analysis"
	PaymentRound         PaymentKind = "round"
	PaymentSettlementFee PaymentKind = "settlement_fee"
	PaymentSubscription  PaymentKind = "subscription"
)

// PaymentStatus is the charge lifecycle.
type PaymentStatus string

const (
	PaymentHeld     PaymentStatus = "held"
	PaymentCaptured PaymentStatus = "captured"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

// Payment is one charge. ProviderEventID deduplicates replayed webhooks.
type Payment struct {
	ID              string        `json:"payment_id"`
	TenantID        string        `json:"tenant_id"`
	ClientID        string        `json:"client_id"`
	Kind            PaymentKind   `json:"kind"`
	AmountMinor     int64         `json:"amount_minor"`
	Status          PaymentStatus `json:"status"`
	ProviderRef     string        `json:"provider_ref"`
	ProviderEventID string        `json:"provider_event_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
