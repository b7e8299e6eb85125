package domain

import (
	"fmt"
	"time"
)

// ============================================================================
// DISPUTE ROUND STATE MACHINE — STATES
// ============================================================================

// DisputeState is the per-client authoritative workflow state.
type DisputeState string

const (
	StateIntake            DisputeState = "intake"
	StateAnalysisReady     DisputeState = "analysis_ready"
	StateAnalysisDelivered DisputeState = "analysis_delivered"
	StateCROAHold          DisputeState = "croa_hold"

	StateRound1LettersGenerated DisputeState = "round1_letters_generated"
	StateRound1PendingApproval  DisputeState = "round1_pending_approval"
	StateRound1InFlight         DisputeState = "round1_in_flight"
	StateRound1Responses        DisputeState = "round1_responses_gathered"

	StateRound2LettersGenerated DisputeState = "round2_letters_generated"
	StateRound2PendingApproval  DisputeState = "round2_pending_approval"
	StateRound2InFlight         DisputeState = "round2_in_flight"
	StateRound2Responses        DisputeState = "round2_responses_gathered"

	StateRound3LettersGenerated DisputeState = "round3_letters_generated"
	StateRound3PendingApproval  DisputeState = "round3_pending_approval"
	StateRound3InFlight         DisputeState = "round3_in_flight"
	StateRound3Responses        DisputeState = "round3_responses_gathered"

	StateRound4LettersGenerated DisputeState = "round4_letters_generated"
	StateRound4PendingApproval  DisputeState = "round4_pending_approval"
	StateRound4InFlight         DisputeState = "round4_in_flight"
	StateRound4Responses        DisputeState = "round4_responses_gathered"

	StateResolved            DisputeState = "resolved"
	StateEscalatedRegulatory DisputeState = "escalated_regulatory"
	StateEscalatedPreArb     DisputeState = "escalated_prearb"
	StateLitigation          DisputeState = "litigation"
	StateClosed              DisputeState = "closed"

	// Terminal substate entered after three failed round-1 payment captures.
	StatePaymentBlocked DisputeState = "payment_blocked"
)

// IsTerminal reports whether no automatic transition leaves this state.
func (s DisputeState) IsTerminal() bool {
	switch s {
	case StateResolved, StateLitigation, StateClosed, StatePaymentBlocked:
		return true
	}
	return false
}

// MaxRound is the last modeled dispute round.
const MaxRound = 4

// RoundState returns the state constant for (round, phase), e.g.
// RoundState(2, "in_flight") == StateRound2InFlight.
func RoundState(round int, phase string) DisputeState {
	return DisputeState(fmt.Sprintf("round%d_%s", round, phase))
}

// Round extracts the round number from a roundN_* state, or 0.
func (s DisputeState) RoundNumber() int {
	var n int
	var rest string
	if _, err := fmt.Sscanf(string(s), "round%d_%s", &n, &rest); err == nil {
		return n
	}
	return 0
}

// ============================================================================
// DISPUTE ITEMS
// ============================================================================

// ItemStatus is the per-{client, account, bureau} dispute status.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemDisputed   ItemStatus = "disputed"
	ItemVerified   ItemStatus = "verified"
	ItemDeleted    ItemStatus = "deleted"
	ItemReinserted ItemStatus = "reinserted"
	ItemResolved   ItemStatus = "resolved"
)

// EscalationStage is the statutory ladder for an item.
type EscalationStage string

const (
	Stage611    EscalationStage = "611" // CRA dispute
	Stage623    EscalationStage = "623" // furnisher direct
	Stage621    EscalationStage = "621" // regulator complaint
	Stage616617 EscalationStage = "616_617" // civil liability demand
)

// NextEscalation returns the next rung, or the same stage at the top.
func (e EscalationStage) Next() EscalationStage {
	switch e {
	case Stage611:
		return Stage623
	case Stage623:
		return Stage621
	case Stage621:
		return Stage616617
	}
	return e
}

// DisputeItem is one row per {client, account, bureau}.
type DisputeItem struct {
	ID              string          `json:"item_id"`
	TenantID        string          `json:"tenant_id"`
	ClientID        string          `json:"client_id"`
	AccountNumber   string          `json:"account_number"`
	Bureau          Bureau          `json:"bureau"`
	Round           int             `json:"round"`
	Status          ItemStatus      `json:"status"`
	Escalation      EscalationStage `json:"escalation"`
	// EstimatedImpact is a score-point snapshot taken at analysis time.
	EstimatedImpact int        `json:"estimated_impact"`
	ObsolescenceAt  *time.Time `json:"obsolescence_at,omitempty"` // 7-year §605 date
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
