package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/disputeworks/core/internal/domain"
)

const taskCols = `task_id, tenant_id, type, payload, run_at, attempt, max_attempts,
	state, last_error, idempotency_key, lease_worker, lease_expires_at,
	cancel_requested, created_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*domain.Task, error) {
	var tk domain.Task
	var payload []byte
	err := row.Scan(&tk.ID, &tk.TenantID, &tk.Type, &payload, &tk.RunAt,
		&tk.Attempt, &tk.MaxAttempts, &tk.State, &tk.LastError, &tk.IdempotencyKey,
		&tk.LeaseWorker, &tk.LeaseExpiresAt, &tk.CancelRequested, &tk.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tk.Payload = payload
	return &tk, nil
}

// InsertTaskIdempotent inserts a task unless one with the same
// (type, idempotency_key) exists, in which case it returns the existing id
// with inserted=false and stages nothing.
func (t *Tx) InsertTaskIdempotent(ctx context.Context, tk *domain.Task) (taskID string, inserted bool, err error) {
	tk.CreatedAt = t.now
	payload := tk.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO tasks (`+taskCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (type, idempotency_key) DO NOTHING
		RETURNING task_id`,
		tk.ID, tk.TenantID, tk.Type, []byte(payload), tk.RunAt, tk.Attempt, tk.MaxAttempts,
		tk.State, tk.LastError, tk.IdempotencyKey, tk.LeaseWorker, tk.LeaseExpiresAt,
		tk.CancelRequested, tk.CreatedAt).Scan(&taskID)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict path: return the existing task id.
		err = t.tx.QueryRowContext(ctx,
			`SELECT task_id FROM tasks WHERE type=$1 AND idempotency_key=$2`,
			tk.Type, tk.IdempotencyKey).Scan(&taskID)
		return taskID, false, err
	}
	if err != nil {
		return "", false, err
	}
	return taskID, true, nil
}

// GetTask loads one task.
func (t *Tx) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE task_id=$1`, taskID)
	return scanTask(row)
}

// UpdateTaskState rewrites a task's scheduling columns.
func (t *Tx) UpdateTaskState(ctx context.Context, tk *domain.Task) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET state=$1, run_at=$2, attempt=$3, last_error=$4,
			lease_worker=$5, lease_expires_at=$6, cancel_requested=$7
		WHERE task_id=$8`,
		tk.State, tk.RunAt, tk.Attempt, tk.LastError,
		tk.LeaseWorker, tk.LeaseExpiresAt, tk.CancelRequested, tk.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestTaskCancel sets the cooperative cancellation flag for every
// unfinished task belonging to the aggregate (payload ->> 'client_id').
func (t *Tx) RequestTaskCancel(ctx context.Context, tenantID, clientID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = TRUE
		WHERE tenant_id=$1 AND payload->>'client_id' = $2
		  AND state IN ('ready','running','failed')`,
		tenantID, clientID)
	return err
}

// ============================================================================
// LEASE PATH — runs on the pool, outside Run closures, so workers can poll
// without competing with command transactions.
// ============================================================================

// LeaseTask atomically claims the oldest due ready (or awaiting-retry) task
// using SKIP LOCKED. Returns ErrNotFound when nothing is due. excludeTenants
// removes tenants already at their concurrency cap from consideration.
func (g *Gateway) LeaseTask(ctx context.Context, workerID string, ttl time.Duration, excludeTenants []string) (*domain.Task, error) {
	now := g.clock.Now()
	expires := now.Add(ttl)

	if excludeTenants == nil {
		excludeTenants = []string{}
	}

	row := g.db.QueryRowContext(ctx, `
		UPDATE tasks SET state='running', lease_worker=$1, lease_expires_at=$2, attempt=attempt+1
		WHERE task_id = (
			SELECT task_id FROM tasks
			WHERE state IN ('ready','failed') AND run_at <= $3
			  AND NOT (tenant_id = ANY($4))
			ORDER BY run_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+taskCols,
		workerID, expires, now, pq.Array(excludeTenants))

	return scanTask(row)
}

// ReapExpiredLeases returns tasks whose lease lapsed to ready. Called from
// the scheduler's minute sweep.
func (g *Gateway) ReapExpiredLeases(ctx context.Context) (int64, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE tasks SET state='ready', lease_worker='', lease_expires_at=NULL
		WHERE state='running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1`,
		g.clock.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TaskCancelRequested is the cooperative should-cancel check used by
// handlers at suspension points.
func (g *Gateway) TaskCancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag bool
	err := g.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM tasks WHERE task_id=$1`, taskID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return flag, err
}

// RunningTasksPerTenant counts in-flight tasks per tenant for the cap check.
func (g *Gateway) RunningTasksPerTenant(ctx context.Context) (map[string]int, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT tenant_id, COUNT(*) FROM tasks WHERE state='running' GROUP BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tid string
		var n int
		if err := rows.Scan(&tid, &n); err != nil {
			return nil, err
		}
		counts[tid] = n
	}
	return counts, rows.Err()
}
