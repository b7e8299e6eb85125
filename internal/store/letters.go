package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/disputeworks/core/internal/domain"
)

const letterCols = `letter_id, tenant_id, client_id, round, kind, recipient,
	status, body, sha256, tracking_number, batch_id, cost_minor, token_cost,
	created_at, delivered_at`

func scanLetter(row interface{ Scan(...interface{}) error }) (*domain.Letter, error) {
	var l domain.Letter
	var recipient []byte
	err := row.Scan(&l.ID, &l.TenantID, &l.ClientID, &l.Round, &l.Kind, &recipient,
		&l.Status, &l.Body, &l.SHA256, &l.TrackingNumber, &l.BatchID,
		&l.CostMinor, &l.TokenCost, &l.CreatedAt, &l.DeliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(recipient, &l.Recipient); err != nil {
		return nil, err
	}
	return &l, nil
}

// InsertLetter creates a letter row.
func (t *Tx) InsertLetter(ctx context.Context, l *domain.Letter) error {
	recipient, err := jsonMarshal(l.Recipient)
	if err != nil {
		return err
	}
	l.CreatedAt = t.now
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO letters (`+letterCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		l.ID, l.TenantID, l.ClientID, l.Round, l.Kind, recipient,
		l.Status, l.Body, l.SHA256, l.TrackingNumber, l.BatchID,
		l.CostMinor, l.TokenCost, l.CreatedAt, l.DeliveredAt)
	return err
}

// UpdateLetter rewrites the mutable letter columns.
func (t *Tx) UpdateLetter(ctx context.Context, l *domain.Letter) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE letters SET status=$1, body=$2, sha256=$3, tracking_number=$4,
			batch_id=$5, cost_minor=$6, token_cost=$7, delivered_at=$8
		WHERE letter_id=$9 AND tenant_id=$10`,
		l.Status, l.Body, l.SHA256, l.TrackingNumber,
		l.BatchID, l.CostMinor, l.TokenCost, l.DeliveredAt,
		l.ID, l.TenantID)
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

// GetLetter loads one letter within the tenant.
func (t *Tx) GetLetter(ctx context.Context, tenantID, letterID string) (*domain.Letter, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+letterCols+` FROM letters WHERE letter_id=$1 AND tenant_id=$2`,
		letterID, tenantID)
	return scanLetter(row)
}

// GetLetterByTracking resolves a tracking number to its letter.
func (t *Tx) GetLetterByTracking(ctx context.Context, tenantID, trackingNumber string) (*domain.Letter, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+letterCols+` FROM letters WHERE tracking_number=$1 AND tenant_id=$2`,
		trackingNumber, tenantID)
	return scanLetter(row)
}

func (t *Tx) queryLetters(ctx context.Context, q string, args ...interface{}) ([]*domain.Letter, error) {
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*domain.Letter
	for rows.Next() {
		l, err := scanLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, l)
	}
	return letters, rows.Err()
}

// ListLettersByRound returns a client's letters for a round.
func (t *Tx) ListLettersByRound(ctx context.Context, tenantID, clientID string, round int) ([]*domain.Letter, error) {
	return t.queryLetters(ctx,
		`SELECT `+letterCols+` FROM letters
		 WHERE client_id=$1 AND round=$2 AND tenant_id=$3 ORDER BY created_at`,
		clientID, round, tenantID)
}

// ListLettersByBatch returns a batch's letters in stable order.
func (t *Tx) ListLettersByBatch(ctx context.Context, tenantID, batchID string) ([]*domain.Letter, error) {
	return t.queryLetters(ctx,
		`SELECT `+letterCols+` FROM letters
		 WHERE batch_id=$1 AND tenant_id=$2 ORDER BY letter_id`,
		batchID, tenantID)
}

// ListLettersByStatus returns a client's letters in a status.
func (t *Tx) ListLettersByStatus(ctx context.Context, tenantID, clientID string, status domain.LetterStatus) ([]*domain.Letter, error) {
	return t.queryLetters(ctx,
		`SELECT `+letterCols+` FROM letters
		 WHERE client_id=$1 AND status=$2 AND tenant_id=$3 ORDER BY created_at`,
		clientID, status, tenantID)
}

// ============================================================================
// LETTER BATCHES
// ============================================================================

const batchCols = `batch_id, tenant_id, status, manifest_sha256, cost_minor,
	remote_files, tracking_cursor, created_at, uploaded_at`

func scanBatch(row interface{ Scan(...interface{}) error }) (*domain.LetterBatch, error) {
	var b domain.LetterBatch
	var remote []byte
	err := row.Scan(&b.ID, &b.TenantID, &b.Status, &b.ManifestSHA256, &b.CostMinor,
		&remote, &b.TrackingCursor, &b.CreatedAt, &b.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(remote, &b.RemoteFiles); err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertBatch creates a batch row.
func (t *Tx) InsertBatch(ctx context.Context, b *domain.LetterBatch) error {
	remote, err := jsonMarshal(b.RemoteFiles)
	if err != nil {
		return err
	}
	b.CreatedAt = t.now
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO letter_batches (`+batchCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.TenantID, b.Status, b.ManifestSHA256, b.CostMinor,
		remote, b.TrackingCursor, b.CreatedAt, b.UploadedAt)
	return err
}

// UpdateBatch rewrites mutable batch columns.
func (t *Tx) UpdateBatch(ctx context.Context, b *domain.LetterBatch) error {
	remote, err := jsonMarshal(b.RemoteFiles)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE letter_batches SET status=$1, manifest_sha256=$2, cost_minor=$3,
			remote_files=$4, tracking_cursor=$5, uploaded_at=$6
		WHERE batch_id=$7 AND tenant_id=$8`,
		b.Status, b.ManifestSHA256, b.CostMinor,
		remote, b.TrackingCursor, b.UploadedAt,
		b.ID, b.TenantID)
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

// GetBatch loads one batch within the tenant.
func (t *Tx) GetBatch(ctx context.Context, tenantID, batchID string) (*domain.LetterBatch, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+batchCols+` FROM letter_batches WHERE batch_id=$1 AND tenant_id=$2`,
		batchID, tenantID)
	return scanBatch(row)
}

// ListBatchesByStatus returns a tenant's batches in a status.
func (t *Tx) ListBatchesByStatus(ctx context.Context, tenantID string, status domain.BatchStatus) ([]*domain.LetterBatch, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+batchCols+` FROM letter_batches
		WHERE tenant_id=$1 AND status=$2 ORDER BY created_at`,
		tenantID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*domain.LetterBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}
