package dispute

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/store"
	"github.com/disputeworks/core/internal/taskqueue"
)

// §605: most negative items come off seven years after first delinquency.
const obsolescenceYears = 7

// RequestReportImport enqueues a scrape_credit_report task. Concurrent
// requests for the same (client, provider) coalesce on the idempotency key.
func (e *Engine) RequestReportImport(ctx context.Context, tenantID, clientID, provider, credentialsRef string) (string, error) {
	var taskID string
	err := e.gw.Run(ctx, func(tx *store.Tx) error {
		var err error
		taskID, _, err = e.queue.EnqueueTx(ctx, tx, taskqueue.Request{
			TenantID: tenantID,
			Type:     domain.TaskScrapeCreditReport,
			Payload: map[string]interface{}{
				"client_id":       clientID,
				"provider":        provider,
				"credentials_ref": credentialsRef,
			},
			IdempotencyKey: "scrape:" + clientID + ":" + provider,
		})
		return err
	})
	return taskID, err
}

// ApplyReport commits a parsed credit report: persists it as the next in the
// client's sequence, upserts dispute items for negative accounts, computes
// §605 obsolescence dates, and diffs against the previous report to detect
// deletions, verifications that stuck, and silent reinsertions.
func (e *Engine) ApplyReport(ctx context.Context, tenantID, clientID string, report *domain.CreditReport) error {
	return e.withClient(ctx, tenantID, clientID, func(tx *store.Tx, c *domain.Client) error {
		prev, err := tx.LatestCreditReport(ctx, tenantID, clientID)
		if err != nil && err != store.ErrNotFound {
			return err
		}

		report.ID = uuid.NewString()
		report.TenantID = tenantID
		report.ClientID = clientID
		if report.PulledAt.IsZero() {
			report.PulledAt = tx.Now()
		}
		if err := tx.InsertCreditReport(ctx, report); err != nil {
			return err
		}

		if err := e.upsertItems(ctx, tx, c, report); err != nil {
			return err
		}
		if prev != nil {
			if err := e.diffReports(ctx, tx, c, prev, report); err != nil {
				return err
			}
		}

		tx.Emit(tenantID, domain.AggregateClient, clientID, domain.EventReportImported, map[string]interface{}{
			"client_id": clientID,
			"report_id": report.ID,
			"seq":       report.Seq,
			"provider":  report.Provider,
			"scores":    scoreMap(report),
		})

		if c.State == domain.StateIntake {
			return e.transition(ctx, tx, c, domain.StateAnalysisReady, "system", false)
		}
		return nil
	})
}

// upsertItems materializes one dispute item per negative {account, bureau}.
func (e *Engine) upsertItems(ctx context.Context, tx *store.Tx, c *domain.Client, report *domain.CreditReport) error {
	for _, acct := range report.Accounts {
		if !acct.Negative {
			continue
		}
		for bureau, tl := range acct.ByBureau {
			if !tl.Present {
				continue
			}
			existing, err := tx.GetDisputeItem(ctx, c.TenantID, c.ID, acct.Number, bureau)
			if err != nil && err != store.ErrNotFound {
				return err
			}

			item := existing
			if item == nil {
				item = &domain.DisputeItem{
					ID:            uuid.NewString(),
					TenantID:      c.TenantID,
					ClientID:      c.ID,
					AccountNumber: acct.Number,
					Bureau:        bureau,
					Status:        domain.ItemPending,
					Escalation:    domain.Stage611,
				}
			}
			if at := obsolescenceDate(tl, report.PulledAt.Location()); at != nil {
				item.ObsolescenceAt = at
			}
			if err := tx.UpsertDisputeItem(ctx, item); err != nil {
				return err
			}
		}
	}
	return nil
}

// diffReports compares the new report against the previous one per
// {account, bureau}. Three observations matter: an item we were disputing
// vanished (deleted), an item previously deleted is present again (silent
// reinsertion), and score movement for the projection.
func (e *Engine) diffReports(ctx context.Context, tx *store.Tx, c *domain.Client, prev, next *domain.CreditReport) error {
	items, err := tx.ListDisputeItems(ctx, c.TenantID, c.ID)
	if err != nil {
		return err
	}

	for _, item := range items {
		wasPresent := tradelinePresent(prev, item.AccountNumber, item.Bureau)
		isPresent := tradelinePresent(next, item.AccountNumber, item.Bureau)

		switch {
		case item.Status == domain.ItemDisputed && wasPresent && !isPresent:
			item.Status = domain.ItemDeleted
			now := tx.Now()
			item.DeletedAt = &now
			tx.Emit(c.TenantID, domain.AggregateClient, c.ID, domain.EventItemDeleted, map[string]interface{}{
				"client_id": c.ID,
				"item_id":   item.ID,
				"bureau":    string(item.Bureau),
				"source":    "report_diff",
			})

		case item.Status == domain.ItemDeleted && isPresent:
			item.Status = domain.ItemReinserted
			item.DeletedAt = nil
			tx.Emit(c.TenantID, domain.AggregateClient, c.ID, domain.EventReinsertionDetected, map[string]interface{}{
				"client_id": c.ID,
				"item_id":   item.ID,
				"bureau":    string(item.Bureau),
				"source":    "report_diff",
			})

		default:
			continue
		}
		if err := tx.UpsertDisputeItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func tradelinePresent(r *domain.CreditReport, accountNumber string, bureau domain.Bureau) bool {
	acct := r.AccountByNumber(accountNumber)
	if acct == nil {
		return false
	}
	tl, ok := acct.ByBureau[bureau]
	return ok && tl.Present
}

// obsolescenceDate computes the §605 fall-off from the first-delinquency
// month, or nil when the tradeline carries none.
func obsolescenceDate(tl domain.Tradeline, loc *time.Location) *time.Time {
	if tl.FirstDelinquency == "" {
		return nil
	}
	t, err := time.ParseInLocation("2006-01", tl.FirstDelinquency, loc)
	if err != nil {
		return nil
	}
	at := t.AddDate(obsolescenceYears, 0, 0)
	return &at
}

func scoreMap(r *domain.CreditReport) map[string]interface{} {
	out := map[string]interface{}{}
	for b, s := range r.Scores {
		out[string(b)] = s
	}
	return out
}
