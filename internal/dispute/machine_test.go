package dispute

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/disputeworks/core/internal/domain"
)

func TestHappyPathRound1(t *testing.T) {
	path := []domain.DisputeState{
		domain.StateIntake,
		domain.StateAnalysisReady,
		domain.StateAnalysisDelivered,
		domain.StateCROAHold,
		domain.StateRound1LettersGenerated,
		domain.StateRound1PendingApproval,
		domain.StateRound1InFlight,
		domain.StateRound1Responses,
		domain.StateRound2LettersGenerated,
	}
	for i := 1; i < len(path); i++ {
		assert.True(t, CanTransition(path[i-1], path[i]),
			"%s → %s should be allowed", path[i-1], path[i])
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	terminals := []domain.DisputeState{
		domain.StateResolved, domain.StateLitigation,
		domain.StateClosed, domain.StatePaymentBlocked,
	}
	all := []domain.DisputeState{
		domain.StateIntake, domain.StateCROAHold, domain.StateRound1InFlight,
		domain.StateResolved, domain.StateClosed,
	}
	for _, from := range terminals {
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s → %s", from, to)
		}
	}
}

func TestNoRoundFive(t *testing.T) {
	assert.False(t, CanTransition(domain.StateRound4Responses, domain.StateRound1LettersGenerated))
	assert.True(t, CanTransition(domain.StateRound4Responses, domain.StateResolved))
	assert.True(t, CanTransition(domain.StateRound4Responses, domain.StateEscalatedPreArb))
}

func TestNoSkippingApproval(t *testing.T) {
	// Generated letters must pass through staff approval before in-flight.
	assert.False(t, CanTransition(domain.StateRound1LettersGenerated, domain.StateRound1InFlight))
	assert.False(t, CanTransition(domain.StateRound2LettersGenerated, domain.StateRound2InFlight))
}

func TestEscalationPaths(t *testing.T) {
	assert.True(t, CanTransition(domain.StateRound1InFlight, domain.StateEscalatedRegulatory))
	assert.True(t, CanTransition(domain.StateEscalatedRegulatory, domain.StateEscalatedPreArb))
	assert.True(t, CanTransition(domain.StateEscalatedPreArb, domain.StateLitigation))
	// Regulatory escalation cannot jump straight to litigation.
	assert.False(t, CanTransition(domain.StateEscalatedRegulatory, domain.StateLitigation))
}

func TestEveryStateCanClose(t *testing.T) {
	for from := range validTransitions {
		if from == domain.StateResolved || from == domain.StateLitigation ||
			from == domain.StateClosed || from == domain.StatePaymentBlocked {
			continue
		}
		assert.True(t, CanTransition(from, domain.StateClosed), "%s should close", from)
	}
}
