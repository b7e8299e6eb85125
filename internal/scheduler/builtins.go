package scheduler

import (
	"context"
	"encoding/json"

	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/store"
)

// Built-in schedules provisioned per tenant at startup. Upserts are keyed on
// a stable schedule id, so restarts never duplicate them and operator edits
// to next_fire_at survive only until the next deploy.
var builtins = []struct {
	suffix   string
	name     string
	cronExpr string
	taskType domain.TaskType
}{
	{"poll-tracking", "Daily mail tracking poll", "15 6 * * *", domain.TaskPollTrackingSFTP},
	{"expire-holds", "Hourly stale hold expiry", "30 * * * *", domain.TaskExpireStaleHold},
}

// EnsureBuiltins upserts the built-in schedules for every tenant. Called at
// startup and after tenant creation.
func (s *Scheduler) EnsureBuiltins(ctx context.Context) error {
	tenants, err := s.gw.ListTenantIDs(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	return s.gw.Run(ctx, func(tx *store.Tx) error {
		for _, tenantID := range tenants {
			for _, b := range builtins {
				expr, err := cronParser.Parse(b.cronExpr)
				if err != nil {
					return err
				}
				payload, _ := json.Marshal(map[string]string{"tenant_id": tenantID})
				sched := &domain.Schedule{
					ID:         "builtin:" + tenantID + ":" + b.suffix,
					TenantID:   tenantID,
					Name:       b.name,
					CronExpr:   b.cronExpr,
					TaskType:   b.taskType,
					Payload:    payload,
					NextFireAt: expr.Next(now.In(s.clock.Location())),
					Enabled:    true,
				}
				if err := tx.UpsertSchedule(ctx, sched); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
