// Package dispute is the Dispute Round State Machine: the only writer of
// per-client dispute state, dispute items, round-level letter status and the
// round payments path. It reacts to committed events, refuses out-of-order
// input, and expresses every external side effect as a task.
package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/metrics"
	"github.com/disputeworks/core/internal/store"
)

// ErrInvalidTransition is returned to commands that request a transition the
// table does not allow. The HTTP boundary maps it to 409.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrManualHold is returned when an automatic transition is suppressed by a
// staff override.
var ErrManualHold = errors.New("manual hold active")

// validTransitions is the authoritative table. Terminal states have no
// outgoing edges; manual overrides may additionally jump to closed from
// anywhere.
var validTransitions = map[domain.DisputeState][]domain.DisputeState{
	domain.StateIntake:            {domain.StateAnalysisReady, domain.StateClosed},
	domain.StateAnalysisReady:     {domain.StateAnalysisDelivered, domain.StateClosed},
	domain.StateAnalysisDelivered: {domain.StateCROAHold, domain.StateClosed},
	domain.StateCROAHold:          {domain.StateRound1LettersGenerated, domain.StatePaymentBlocked, domain.StateClosed},

	domain.StateRound1LettersGenerated: {domain.StateRound1PendingApproval, domain.StateClosed},
	domain.StateRound1PendingApproval:  {domain.StateRound1InFlight, domain.StateClosed},
	domain.StateRound1InFlight:         {domain.StateRound1Responses, domain.StateEscalatedRegulatory, domain.StateClosed},
	domain.StateRound1Responses:        {domain.StateRound2LettersGenerated, domain.StateResolved, domain.StateEscalatedRegulatory, domain.StateClosed},

	domain.StateRound2LettersGenerated: {domain.StateRound2PendingApproval, domain.StateClosed},
	domain.StateRound2PendingApproval:  {domain.StateRound2InFlight, domain.StateClosed},
	domain.StateRound2InFlight:         {domain.StateRound2Responses, domain.StateEscalatedRegulatory, domain.StateClosed},
	domain.StateRound2Responses:        {domain.StateRound3LettersGenerated, domain.StateResolved, domain.StateEscalatedRegulatory, domain.StateClosed},

	domain.StateRound3LettersGenerated: {domain.StateRound3PendingApproval, domain.StateClosed},
	domain.StateRound3PendingApproval:  {domain.StateRound3InFlight, domain.StateClosed},
	domain.StateRound3InFlight:         {domain.StateRound3Responses, domain.StateEscalatedRegulatory, domain.StateClosed},
	domain.StateRound3Responses:        {domain.StateRound4LettersGenerated, domain.StateResolved, domain.StateEscalatedRegulatory, domain.StateClosed},

	domain.StateRound4LettersGenerated: {domain.StateRound4PendingApproval, domain.StateClosed},
	domain.StateRound4PendingApproval:  {domain.StateRound4InFlight, domain.StateClosed},
	domain.StateRound4InFlight:         {domain.StateRound4Responses, domain.StateEscalatedRegulatory, domain.StateClosed},
	// Rounds stop at 4: after round-4 responses the path is resolution or
	// escalation, never a round 5.
	domain.StateRound4Responses: {domain.StateResolved, domain.StateEscalatedRegulatory, domain.StateEscalatedPreArb, domain.StateClosed},

	domain.StateEscalatedRegulatory: {domain.StateEscalatedPreArb, domain.StateResolved, domain.StateClosed},
	domain.StateEscalatedPreArb:     {domain.StateLitigation, domain.StateResolved, domain.StateClosed},

	domain.StateResolved:       {},
	domain.StateLitigation:     {},
	domain.StateClosed:         {},
	domain.StatePaymentBlocked: {},
}

// CanTransition reports whether from→to is in the table.
func CanTransition(from, to domain.DisputeState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves a locked, freshly-read client to the target state. Rules:
//   - an automatic transition into the current state is an idempotent no-op;
//   - an automatic transition suppressed by a staff override, or one the
//     table refuses, emits transition_ignored and succeeds as a no-op;
//   - a manual transition the table refuses emits transition_rejected and
//     fails with ErrInvalidTransition;
//   - a manual transition that wins over the automatic path emits
//     override_logged and sets the manual hold.
func (e *Engine) transition(ctx context.Context, tx *store.Tx, c *domain.Client, to domain.DisputeState, actor string, manual bool) error {
	from := c.State

	if from == to {
		return nil
	}

	if !manual && c.ManualHold {
		e.ignore(tx, c, from, to, "manual hold active")
		return nil
	}

	if !CanTransition(from, to) {
		if manual {
			metrics.Transitions.WithLabelValues(string(from), string(to), "rejected").Inc()
			tx.Emit(c.TenantID, domain.AggregateClient, c.ID, domain.EventTransitionRejected, map[string]interface{}{
				"from":  string(from),
				"to":    string(to),
				"actor": actor,
			})
			return fmt.Errorf("%s → %s: %w", from, to, ErrInvalidTransition)
		}
		e.ignore(tx, c, from, to, "not in transition table")
		return nil
	}

	c.State = to
	if r := to.RoundNumber(); r > 0 {
		c.Round = r
	}
	if manual {
		c.ManualHold = true
	}
	if err := tx.UpdateClient(ctx, c); err != nil {
		return err
	}

	metrics.Transitions.WithLabelValues(string(from), string(to), "applied").Inc()
	tx.Emit(c.TenantID, domain.AggregateClient, c.ID, domain.EventTransitioned, map[string]interface{}{
		"from":   string(from),
		"to":     string(to),
		"round":  c.Round,
		"actor":  actor,
		"manual": manual,
	})
	if manual {
		tx.Emit(c.TenantID, domain.AggregateClient, c.ID, domain.EventOverrideLogged, map[string]interface{}{
			"from":  string(from),
			"to":    string(to),
			"actor": actor,
		})
	}
	return nil
}

// ignore records an out-of-order or suppressed automatic transition without
// touching state.
func (e *Engine) ignore(tx *store.Tx, c *domain.Client, from, to domain.DisputeState, reason string) {
	metrics.Transitions.WithLabelValues(string(from), string(to), "ignored").Inc()
	tx.Emit(c.TenantID, domain.AggregateClient, c.ID, domain.EventTransitionIgnored, map[string]interface{}{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

// ClearManualHold re-enables automatic transitions for the client.
func (e *Engine) ClearManualHold(ctx context.Context, tenantID, clientID, actor string) error {
	return e.gw.Run(ctx, func(tx *store.Tx) error {
		if err := tx.LockAggregate(ctx, clientID); err != nil {
			return err
		}
		c, err := tx.GetClient(ctx, tenantID, clientID)
		if err != nil {
			return err
		}
		if !c.ManualHold {
			return nil
		}
		c.ManualHold = false
		if err := tx.UpdateClient(ctx, c); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, e.audit(tenantID, actor, "clear_manual_hold", "client", clientID))
	})
}
