package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/disputeworks/core/internal/domain"
)

const clientCols = `client_id, tenant_id, stage, state, round, version,
	sealed_pii, sealed_bureau_creds, monitoring_provider, card_token_ref,
	croa_signed_at, cancellation_period_end, manual_hold, payment_attempts,
	cancel_requested, created_at, updated_at`

func scanClient(row interface{ Scan(...interface{}) error }) (*domain.Client, error) {
	var c domain.Client
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Stage, &c.State, &c.Round, &c.Version,
		&c.SealedPII, &c.SealedBureauCreds, &c.MonitoringProvider, &c.CardTokenRef,
		&c.CROASignedAt, &c.CancellationPeriodEnd, &c.ManualHold, &c.PaymentAttempts,
		&c.CancelRequested, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetClient loads a client within the tenant.
func (t *Tx) GetClient(ctx context.Context, tenantID, clientID string) (*domain.Client, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+clientCols+` FROM clients WHERE client_id=$1 AND tenant_id=$2`,
		clientID, tenantID)
	return scanClient(row)
}

// InsertClient creates a new client row at version 1.
func (t *Tx) InsertClient(ctx context.Context, c *domain.Client) error {
	c.Version = 1
	c.CreatedAt = t.now
	c.UpdatedAt = t.now
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO clients (`+clientCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		c.ID, c.TenantID, c.Stage, c.State, c.Round, c.Version,
		c.SealedPII, c.SealedBureauCreds, c.MonitoringProvider, c.CardTokenRef,
		c.CROASignedAt, c.CancellationPeriodEnd, c.ManualHold, c.PaymentAttempts,
		c.CancelRequested, c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateClient writes a client with an optimistic version check. On a stale
// version it returns ErrConflict so Run can retry the whole closure.
func (t *Tx) UpdateClient(ctx context.Context, c *domain.Client) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE clients SET
			stage=$1, state=$2, round=$3, version=version+1,
			sealed_pii=$4, sealed_bureau_creds=$5, monitoring_provider=$6,
			card_token_ref=$7, croa_signed_at=$8, cancellation_period_end=$9,
			manual_hold=$10, payment_attempts=$11, cancel_requested=$12, updated_at=$13
		WHERE client_id=$14 AND tenant_id=$15 AND version=$16`,
		c.Stage, c.State, c.Round,
		c.SealedPII, c.SealedBureauCreds, c.MonitoringProvider,
		c.CardTokenRef, c.CROASignedAt, c.CancellationPeriodEnd,
		c.ManualHold, c.PaymentAttempts, c.CancelRequested, t.now,
		c.ID, c.TenantID, c.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("client %s version %d: %w", c.ID, c.Version, ErrConflict)
	}
	c.Version++
	c.UpdatedAt = t.now
	return nil
}

// ListClientIDs returns every client id for a tenant (scheduler fan-out).
func (t *Tx) ListClientIDs(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT client_id FROM clients WHERE tenant_id=$1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetClientDirect loads a client outside a Run closure (trigger snapshot
// path). The read is not serialized with in-flight commands; callers treat
// it as an advisory snapshot.
func (g *Gateway) GetClientDirect(ctx context.Context, tenantID, clientID string) (*domain.Client, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	row := g.db.QueryRowContext(ctx,
		`SELECT `+clientCols+` FROM clients WHERE client_id=$1 AND tenant_id=$2`,
		clientID, tenantID)
	return scanClient(row)
}

// GetTenant loads a tenant row.
func (t *Tx) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	var tn domain.Tenant
	var branding []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT tenant_id, name, status, max_clients, max_users, letter_cost_minor, branding, created_at
		FROM tenants WHERE tenant_id=$1`, tenantID).
		Scan(&tn.ID, &tn.Name, &tn.Status, &tn.MaxClients, &tn.MaxUsers, &tn.LetterCostMinor, &branding, &tn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(branding, &tn.Branding); err != nil {
		return nil, err
	}
	return &tn, nil
}

// InsertTenant creates a tenant.
func (t *Tx) InsertTenant(ctx context.Context, tn *domain.Tenant) error {
	branding, err := jsonMarshal(tn.Branding)
	if err != nil {
		return err
	}
	tn.CreatedAt = t.now
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, name, status, max_clients, max_users, letter_cost_minor, branding, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		tn.ID, tn.Name, tn.Status, tn.MaxClients, tn.MaxUsers, tn.LetterCostMinor, branding, tn.CreatedAt)
	return err
}

// GetTenantDirect loads a tenant outside a Run closure (middleware path).
func (g *Gateway) GetTenantDirect(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	var tn domain.Tenant
	var branding []byte
	err := g.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, status, max_clients, max_users, letter_cost_minor, branding, created_at
		FROM tenants WHERE tenant_id=$1`, tenantID).
		Scan(&tn.ID, &tn.Name, &tn.Status, &tn.MaxClients, &tn.MaxUsers, &tn.LetterCostMinor, &branding, &tn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(branding, &tn.Branding); err != nil {
		return nil, err
	}
	return &tn, nil
}

// ListTenantIDs returns every active tenant id (scheduler fan-out).
func (g *Gateway) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT tenant_id FROM tenants WHERE status IN ('ACTIVE','TRIAL') ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
