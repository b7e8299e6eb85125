package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/disputeworks/core/internal/domain"
)

const scheduleCols = `schedule_id, tenant_id, name, cron_expr, one_shot_at,
	task_type, payload, next_fire_at, enabled`

func scanSchedule(row interface{ Scan(...interface{}) error }) (*domain.Schedule, error) {
	var s domain.Schedule
	var payload []byte
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.CronExpr, &s.OneShotAt,
		&s.TaskType, &payload, &s.NextFireAt, &s.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Payload = payload
	return &s, nil
}

// UpsertSchedule creates or updates a schedule by id.
func (t *Tx) UpsertSchedule(ctx context.Context, s *domain.Schedule) error {
	payload := s.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (schedule_id) DO UPDATE SET
			cron_expr=EXCLUDED.cron_expr, one_shot_at=EXCLUDED.one_shot_at,
			task_type=EXCLUDED.task_type, payload=EXCLUDED.payload,
			next_fire_at=EXCLUDED.next_fire_at, enabled=EXCLUDED.enabled`,
		s.ID, s.TenantID, s.Name, s.CronExpr, s.OneShotAt,
		s.TaskType, []byte(payload), s.NextFireAt, s.Enabled)
	return err
}

// AdvanceSchedule persists the recomputed next_fire_at (and disables a
// consumed one-shot).
func (t *Tx) AdvanceSchedule(ctx context.Context, scheduleID string, nextFireAt time.Time, enabled bool) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE schedules SET next_fire_at=$1, enabled=$2 WHERE schedule_id=$3`,
		nextFireAt, enabled, scheduleID)
	return err
}

// DueSchedules lists enabled schedules with next_fire_at inside the tick
// window. Pool-level for the scheduler loop.
func (g *Gateway) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+scheduleCols+` FROM schedules
		WHERE enabled AND next_fire_at <= $1
		ORDER BY next_fire_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ============================================================================
// WORKFLOW TRIGGERS
// ============================================================================

const triggerCols = `trigger_id, tenant_id, name, event_type, condition,
	action, params, priority, enabled`

// UpsertTrigger creates or updates a workflow trigger by id.
func (t *Tx) UpsertTrigger(ctx context.Context, w *domain.WorkflowTrigger) error {
	params, err := jsonMarshal(w.Params)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO workflow_triggers (`+triggerCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (trigger_id) DO UPDATE SET
			event_type=EXCLUDED.event_type, condition=EXCLUDED.condition,
			action=EXCLUDED.action, params=EXCLUDED.params,
			priority=EXCLUDED.priority, enabled=EXCLUDED.enabled`,
		w.ID, w.TenantID, w.Name, w.EventType, w.Condition,
		w.Action, params, w.Priority, w.Enabled)
	return err
}

// TriggersForEvent lists a tenant's enabled triggers for an event type in
// priority order. Pool-level for the trigger engine's hot path.
func (g *Gateway) TriggersForEvent(ctx context.Context, tenantID, eventType string) ([]*domain.WorkflowTrigger, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+triggerCols+` FROM workflow_triggers
		WHERE tenant_id=$1 AND event_type=$2 AND enabled
		ORDER BY priority, trigger_id`, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.WorkflowTrigger
	for rows.Next() {
		var w domain.WorkflowTrigger
		var params []byte
		if err := rows.Scan(&w.ID, &w.TenantID, &w.Name, &w.EventType, &w.Condition,
			&w.Action, &params, &w.Priority, &w.Enabled); err != nil {
			return nil, err
		}
		if err := jsonUnmarshal(params, &w.Params); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
