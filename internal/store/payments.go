package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/disputeworks/core/internal/domain"
)

const paymentCols = `payment_id, tenant_id, client_id, kind, amount_minor,
	status, provider_ref, provider_event_id, created_at, updated_at`

func scanPayment(row interface{ Scan(...interface{}) error }) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.TenantID, &p.ClientID, &p.Kind, &p.AmountMinor,
		&p.Status, &p.ProviderRef, &p.ProviderEventID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertPayment records a charge. When the provider event id was already
// seen (replayed webhook), the insert is skipped and inserted=false is
// returned — the idempotent-webhook invariant.
func (t *Tx) InsertPayment(ctx context.Context, p *domain.Payment) (inserted bool, err error) {
	p.CreatedAt = t.now
	p.UpdatedAt = t.now
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.TenantID, p.ClientID, p.Kind, p.AmountMinor,
		p.Status, p.ProviderRef, p.ProviderEventID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdatePaymentStatus moves a payment through its lifecycle.
func (t *Tx) UpdatePaymentStatus(ctx context.Context, tenantID, paymentID string, status domain.PaymentStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payments SET status=$1, updated_at=$2 WHERE payment_id=$3 AND tenant_id=$4`,
		status, t.now, paymentID, tenantID)
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

// GetPayment loads one payment within the tenant.
func (t *Tx) GetPayment(ctx context.Context, tenantID, paymentID string) (*domain.Payment, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE payment_id=$1 AND tenant_id=$2`,
		paymentID, tenantID)
	return scanPayment(row)
}

// ListStaleHeldPayments returns a tenant's holds placed before the cutoff and
// never captured or released.
func (t *Tx) ListStaleHeldPayments(ctx context.Context, tenantID string, before time.Time) ([]*domain.Payment, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+paymentCols+` FROM payments
		WHERE tenant_id=$1 AND status='held' AND created_at < $2 ORDER BY created_at`,
		tenantID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PaymentByProviderEvent looks up the payment a webhook already produced.
func (t *Tx) PaymentByProviderEvent(ctx context.Context, providerEventID string) (*domain.Payment, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE provider_event_id=$1`, providerEventID)
	return scanPayment(row)
}

// ListPayments returns a client's payments newest first.
func (t *Tx) ListPayments(ctx context.Context, tenantID, clientID string) ([]*domain.Payment, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+paymentCols+` FROM payments
		WHERE client_id=$1 AND tenant_id=$2 ORDER BY created_at DESC`,
		clientID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// NetCapturedMinor sums captured minus refunded amounts for a client and
// kind. Settlement fees are computed on this net figure.
func (t *Tx) NetCapturedMinor(ctx context.Context, tenantID, clientID string, kind domain.PaymentKind) (int64, error) {
	var net int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE status
			WHEN 'captured' THEN amount_minor
			WHEN 'refunded' THEN -amount_minor
			ELSE 0 END), 0)
		FROM payments WHERE client_id=$1 AND tenant_id=$2 AND kind=$3`,
		clientID, tenantID, kind).Scan(&net)
	return net, err
}

// ============================================================================
// AUDIT LOG & REQUIRES-ACTION
// ============================================================================

// InsertAudit appends an audit entry; the log is append-only.
func (t *Tx) InsertAudit(ctx context.Context, a *domain.AuditEntry) error {
	a.At = t.now
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, tenant_id, actor, action, resource_type, resource_id, before_sha256, after_sha256, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.TenantID, a.Actor, a.Action, a.ResourceType, a.ResourceID,
		a.BeforeSHA256, a.AfterSHA256, a.At)
	return err
}

// InsertRequiresAction records a durable staff-attention item.
func (t *Tx) InsertRequiresAction(ctx context.Context, r *domain.RequiresAction) error {
	r.CreatedAt = t.now
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO requires_action (id, tenant_id, client_id, kind, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ID, r.TenantID, r.ClientID, r.Kind, r.Detail, r.CreatedAt)
	return err
}

// ClearRequiresAction marks an item handled by staff.
func (t *Tx) ClearRequiresAction(ctx context.Context, tenantID, id, actor string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE requires_action SET cleared_at=$1, cleared_by=$2
		WHERE id=$3 AND tenant_id=$4 AND cleared_at IS NULL`,
		t.now, actor, id, tenantID)
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

// CountTenantOpenRequiresAction counts a tenant's open attention items.
func (t *Tx) CountTenantOpenRequiresAction(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requires_action WHERE tenant_id=$1 AND cleared_at IS NULL`,
		tenantID).Scan(&n)
	return n, err
}

// ListOpenRequiresAction lists a client's open attention items.
func (t *Tx) ListOpenRequiresAction(ctx context.Context, tenantID, clientID string) ([]*domain.RequiresAction, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, tenant_id, client_id, kind, detail, created_at, cleared_at, cleared_by
		FROM requires_action
		WHERE client_id=$1 AND tenant_id=$2 AND cleared_at IS NULL ORDER BY created_at`,
		clientID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RequiresAction
	for rows.Next() {
		var r domain.RequiresAction
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ClientID, &r.Kind, &r.Detail,
			&r.CreatedAt, &r.ClearedAt, &r.ClearedBy); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
