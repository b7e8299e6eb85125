// Package status builds the denormalized per-client view that UIs read. The
// projection is a fold over current rows, not a cache: it is computed per
// request inside one transaction, so it is always consistent with itself.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/store"
)

// ClientStatus is the GET /status/client/{id} response body.
type ClientStatus struct {
	ClientID              string              `json:"client_id"`
	Stage                 domain.ClientStage  `json:"stage"`
	State                 domain.DisputeState `json:"state"`
	Round                 int                 `json:"round"`
	ManualHold            bool                `json:"manual_hold"`
	CROASignedAt          *time.Time          `json:"croa_signed_at,omitempty"`
	CancellationPeriodEnd *time.Time          `json:"cancellation_period_end,omitempty"`

	Scores       map[domain.Bureau]int `json:"scores,omitempty"`
	ReportSeq    int                   `json:"report_seq,omitempty"`
	ReportPulled *time.Time            `json:"report_pulled_at,omitempty"`

	Items           []ItemView     `json:"items"`
	LettersInFlight []LetterView   `json:"letters_in_flight"`
	OpenDeadlines   []DeadlineView `json:"open_deadlines"`
	RequiresAction  []ActionView   `json:"requires_action"`

	NetPaidMinor int64 `json:"net_paid_minor"`
}

// ItemView is the per-item slice of the projection.
type ItemView struct {
	AccountNumber  string                 `json:"account_number"`
	Bureau         domain.Bureau          `json:"bureau"`
	Status         domain.ItemStatus      `json:"status"`
	Escalation     domain.EscalationStage `json:"escalation"`
	ObsolescenceAt *time.Time             `json:"obsolescence_at,omitempty"`
}

// LetterView is the in-flight letter slice.
type LetterView struct {
	LetterID       string              `json:"letter_id"`
	Round          int                 `json:"round"`
	Kind           domain.LetterKind   `json:"kind"`
	Recipient      string              `json:"recipient"`
	Status         domain.LetterStatus `json:"status"`
	TrackingNumber string              `json:"tracking_number,omitempty"`
	DeliveredAt    *time.Time          `json:"delivered_at,omitempty"`
}

// DeadlineView is the open deadline slice.
type DeadlineView struct {
	DeadlineID string              `json:"deadline_id"`
	Kind       domain.DeadlineKind `json:"kind"`
	ParentType string              `json:"parent_type"`
	ParentID   string              `json:"parent_id"`
	DueAt      time.Time           `json:"due_at"`
}

// ActionView is the open requires-action slice.
type ActionView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// inFlightStatuses are the letter statuses shown as "in flight": anything
// between approval and terminal delivery.
var inFlightStatuses = []domain.LetterStatus{
	domain.LetterPendingApproval, domain.LetterApproved,
	domain.LetterQueued, domain.LetterSent,
}

// Project assembles the status view for one client.
func Project(ctx context.Context, gw *store.Gateway, tenantID, clientID string) (*ClientStatus, error) {
	var out *ClientStatus
	err := gw.Run(ctx, func(tx *store.Tx) error {
		c, err := tx.GetClient(ctx, tenantID, clientID)
		if err != nil {
			return err
		}
		out = &ClientStatus{
			ClientID:              c.ID,
			Stage:                 c.Stage,
			State:                 c.State,
			Round:                 c.Round,
			ManualHold:            c.ManualHold,
			CROASignedAt:          c.CROASignedAt,
			CancellationPeriodEnd: c.CancellationPeriodEnd,
			Items:                 []ItemView{},
			LettersInFlight:       []LetterView{},
			OpenDeadlines:         []DeadlineView{},
			RequiresAction:        []ActionView{},
		}

		report, err := tx.LatestCreditReport(ctx, tenantID, clientID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if report != nil {
			out.Scores = report.Scores
			out.ReportSeq = report.Seq
			out.ReportPulled = &report.PulledAt
		}

		items, err := tx.ListDisputeItems(ctx, tenantID, clientID)
		if err != nil {
			return err
		}
		for _, it := range items {
			out.Items = append(out.Items, ItemView{
				AccountNumber:  maskAccount(it.AccountNumber),
				Bureau:         it.Bureau,
				Status:         it.Status,
				Escalation:     it.Escalation,
				ObsolescenceAt: it.ObsolescenceAt,
			})
		}

		for _, st := range inFlightStatuses {
			letters, err := tx.ListLettersByStatus(ctx, tenantID, clientID, st)
			if err != nil {
				return err
			}
			for _, l := range letters {
				out.LettersInFlight = append(out.LettersInFlight, LetterView{
					LetterID:       l.ID,
					Round:          l.Round,
					Kind:           l.Kind,
					Recipient:      l.Recipient.Name,
					Status:         l.Status,
					TrackingNumber: l.TrackingNumber,
					DeliveredAt:    l.DeliveredAt,
				})
			}
		}

		deadlines, err := tx.ListOpenDeadlines(ctx, tenantID, clientID)
		if err != nil {
			return err
		}
		for _, d := range deadlines {
			out.OpenDeadlines = append(out.OpenDeadlines, DeadlineView{
				DeadlineID: d.ID,
				Kind:       d.Kind,
				ParentType: d.ParentType,
				ParentID:   d.ParentID,
				DueAt:      d.DueAt,
			})
		}

		actions, err := tx.ListOpenRequiresAction(ctx, tenantID, clientID)
		if err != nil {
			return err
		}
		for _, a := range actions {
			out.RequiresAction = append(out.RequiresAction, ActionView{
				ID:        a.ID,
				Kind:      a.Kind,
				Detail:    a.Detail,
				CreatedAt: a.CreatedAt,
			})
		}

		netRound, err := tx.NetCapturedMinor(ctx, tenantID, clientID, domain.PaymentRound)
		if err != nil {
			return err
		}
		netAnalysis, err := tx.NetCapturedMinor(ctx, tenantID, clientID, domain.PaymentAnalysis)
		if err != nil {
			return err
		}
		out.NetPaidMinor = netRound + netAnalysis
		return nil
	})
	return out, err
}

// maskAccount keeps only the last four characters in API responses.
func maskAccount(n string) string {
	if len(n) <= 4 {
		return n
	}
	masked := make([]byte, len(n))
	for i := range masked {
		masked[i] = '*'
	}
	copy(masked[len(n)-4:], n[len(n)-4:])
	return string(masked)
}
