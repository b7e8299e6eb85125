package deadline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/disputeworks/core/internal/adapters"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/metrics"
	"github.com/disputeworks/core/internal/store"
	"github.com/disputeworks/core/internal/taskqueue"
)

// FireHandler returns the fire_deadline task handler. The compare-and-set in
// MarkDeadlineFired makes the firing exactly-once even though the task itself
// is at-least-once: a replayed task finds fired_at set and acks silently.
func FireHandler(gw *store.Gateway) taskqueue.Handler {
	return func(ctx context.Context, task *domain.Task) error {
		var p struct {
			DeadlineID string `json:"deadline_id"`
		}
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return adapters.Permanent("fire_deadline", err)
		}

		return gw.Run(ctx, func(tx *store.Tx) error {
			d, err := tx.GetDeadline(ctx, task.TenantID, p.DeadlineID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			fired, err := tx.MarkDeadlineFired(ctx, d.TenantID, d.ID)
			if err != nil {
				return err
			}
			if !fired {
				return nil
			}

			metrics.DeadlinesFired.WithLabelValues(string(d.Kind)).Inc()
			metrics.DeadlinesOpen.WithLabelValues(string(d.Kind)).Dec()
			tx.Emit(d.TenantID, domain.AggregateClient, d.ClientID, domain.EventDeadlineFired, map[string]interface{}{
				"deadline_id": d.ID,
				"kind":        string(d.Kind),
				"parent_type": d.ParentType,
				"parent_id":   d.ParentID,
				"client_id":   d.ClientID,
			})
			return nil
		})
	}
}
