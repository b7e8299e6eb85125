package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/disputeworks/core/internal/domain"
)

const deadlineCols = `deadline_id, tenant_id, kind, parent_type, parent_id,
	client_id, due_at, fired_at, resolved_at, created_at`

func scanDeadline(row interface{ Scan(...interface{}) error }) (*domain.Deadline, error) {
	var d domain.Deadline
	err := row.Scan(&d.ID, &d.TenantID, &d.Kind, &d.ParentType, &d.ParentID,
		&d.ClientID, &d.DueAt, &d.FiredAt, &d.ResolvedAt, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// InsertDeadline creates a deadline. The partial unique index on
// (parent_id, kind) WHERE resolved_at IS NULL enforces at most one
// unresolved deadline per parent per kind; a duplicate insert is treated as
// already-exists and returns inserted=false.
func (t *Tx) InsertDeadline(ctx context.Context, d *domain.Deadline) (inserted bool, err error) {
	d.CreatedAt = t.now
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO deadlines (`+deadlineCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.ID, d.TenantID, d.Kind, d.ParentType, d.ParentID,
		d.ClientID, d.DueAt, d.FiredAt, d.ResolvedAt, d.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetDeadline loads one deadline.
func (t *Tx) GetDeadline(ctx context.Context, tenantID, deadlineID string) (*domain.Deadline, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+deadlineCols+` FROM deadlines WHERE deadline_id=$1 AND tenant_id=$2`,
		deadlineID, tenantID)
	return scanDeadline(row)
}

// MarkDeadlineFired performs the exactly-once compare-and-set: only the
// transition fired_at IS NULL → now succeeds; a second fire returns false.
func (t *Tx) MarkDeadlineFired(ctx context.Context, tenantID, deadlineID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE deadlines SET fired_at=$1, resolved_at=$1
		WHERE deadline_id=$2 AND tenant_id=$3 AND fired_at IS NULL AND resolved_at IS NULL`,
		t.now, deadlineID, tenantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ResolveDeadline marks a deadline satisfied without firing (e.g. a response
// arrived before the window lapsed).
func (t *Tx) ResolveDeadline(ctx context.Context, tenantID, parentID string, kind domain.DeadlineKind) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE deadlines SET resolved_at=$1
		WHERE parent_id=$2 AND kind=$3 AND tenant_id=$4 AND resolved_at IS NULL`,
		t.now, parentID, kind, tenantID)
	return err
}

// ListOpenDeadlines returns a client's unresolved deadlines.
func (t *Tx) ListOpenDeadlines(ctx context.Context, tenantID, clientID string) ([]*domain.Deadline, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+deadlineCols+` FROM deadlines
		WHERE client_id=$1 AND tenant_id=$2 AND resolved_at IS NULL ORDER BY due_at`,
		clientID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Deadline
	for rows.Next() {
		d, err := scanDeadline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DueDeadlines lists unresolved, unfired deadlines with due_at <= now.
// Pool-level: the scheduler's minute sweep calls this.
func (g *Gateway) DueDeadlines(ctx context.Context, now time.Time, limit int) ([]*domain.Deadline, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+deadlineCols+` FROM deadlines
		WHERE resolved_at IS NULL AND fired_at IS NULL AND due_at <= $1
		ORDER BY due_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Deadline
	for rows.Next() {
		d, err := scanDeadline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
