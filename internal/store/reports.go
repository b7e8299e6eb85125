package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/disputeworks/core/internal/domain"
)

// InsertCreditReport appends an immutable report with the next dense
// per-client sequence number.
func (t *Tx) InsertCreditReport(ctx context.Context, r *domain.CreditReport) error {
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0)+1 FROM credit_reports WHERE client_id=$1`,
		r.ClientID).Scan(&r.Seq)
	if err != nil {
		return err
	}

	scores, err := jsonMarshal(r.Scores)
	if err != nil {
		return err
	}
	accounts, err := jsonMarshal(r.Accounts)
	if err != nil {
		return err
	}
	inquiries, err := jsonMarshal(r.Inquiries)
	if err != nil {
		return err
	}
	records, err := jsonMarshal(r.PublicRecords)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO credit_reports (report_id, tenant_id, client_id, provider, seq, scores, accounts, inquiries, public_records, pulled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.TenantID, r.ClientID, r.Provider, r.Seq, scores, accounts, inquiries, records, r.PulledAt)
	return err
}

func scanReport(row interface{ Scan(...interface{}) error }) (*domain.CreditReport, error) {
	var r domain.CreditReport
	var scores, accounts, inquiries, records []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.ClientID, &r.Provider, &r.Seq,
		&scores, &accounts, &inquiries, &records, &r.PulledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(scores, &r.Scores); err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(accounts, &r.Accounts); err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(inquiries, &r.Inquiries); err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(records, &r.PublicRecords); err != nil {
		return nil, err
	}
	return &r, nil
}

const reportCols = `report_id, tenant_id, client_id, provider, seq, scores, accounts, inquiries, public_records, pulled_at`

// LatestCreditReport returns the newest report for a client, or ErrNotFound.
func (t *Tx) LatestCreditReport(ctx context.Context, tenantID, clientID string) (*domain.CreditReport, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+reportCols+` FROM credit_reports
		WHERE client_id=$1 AND tenant_id=$2 ORDER BY seq DESC LIMIT 1`,
		clientID, tenantID)
	return scanReport(row)
}

// CreditReportBySeq returns a specific report in the client's sequence.
func (t *Tx) CreditReportBySeq(ctx context.Context, tenantID, clientID string, seq int) (*domain.CreditReport, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+reportCols+` FROM credit_reports
		WHERE client_id=$1 AND tenant_id=$2 AND seq=$3`,
		clientID, tenantID, seq)
	return scanReport(row)
}

// ============================================================================
// DISPUTE ITEMS
// ============================================================================

const itemCols = `item_id, tenant_id, client_id, account_number, bureau, round,
	status, escalation, estimated_impact, obsolescence_at, deleted_at, updated_at`

func scanItem(row interface{ Scan(...interface{}) error }) (*domain.DisputeItem, error) {
	var it domain.DisputeItem
	err := row.Scan(&it.ID, &it.TenantID, &it.ClientID, &it.AccountNumber, &it.Bureau,
		&it.Round, &it.Status, &it.Escalation, &it.EstimatedImpact,
		&it.ObsolescenceAt, &it.DeletedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// UpsertDisputeItem inserts or updates the {client, account, bureau} row.
func (t *Tx) UpsertDisputeItem(ctx context.Context, it *domain.DisputeItem) error {
	it.UpdatedAt = t.now
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO dispute_items (`+itemCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (client_id, account_number, bureau) DO UPDATE SET
			round=EXCLUDED.round, status=EXCLUDED.status, escalation=EXCLUDED.escalation,
			estimated_impact=EXCLUDED.estimated_impact, obsolescence_at=EXCLUDED.obsolescence_at,
			deleted_at=EXCLUDED.deleted_at, updated_at=EXCLUDED.updated_at`,
		it.ID, it.TenantID, it.ClientID, it.AccountNumber, it.Bureau, it.Round,
		it.Status, it.Escalation, it.EstimatedImpact, it.ObsolescenceAt, it.DeletedAt, it.UpdatedAt)
	return err
}

// GetDisputeItem loads one item by its natural key.
func (t *Tx) GetDisputeItem(ctx context.Context, tenantID, clientID, accountNumber string, bureau domain.Bureau) (*domain.DisputeItem, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+itemCols+` FROM dispute_items
		WHERE client_id=$1 AND account_number=$2 AND bureau=$3 AND tenant_id=$4`,
		clientID, accountNumber, bureau, tenantID)
	return scanItem(row)
}

// ListDisputeItems returns every item for a client.
func (t *Tx) ListDisputeItems(ctx context.Context, tenantID, clientID string) ([]*domain.DisputeItem, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+itemCols+` FROM dispute_items
		WHERE client_id=$1 AND tenant_id=$2 ORDER BY account_number, bureau`,
		clientID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.DisputeItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
