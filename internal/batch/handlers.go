package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/disputeworks/core/internal/adapters"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/metrics"
	"github.com/disputeworks/core/internal/store"
	"github.com/disputeworks/core/internal/taskqueue"
)

// ============================================================================
// UPLOAD TASK
// ============================================================================

// UploadHandler returns the upload_batch_sftp task handler: read the sealed
// batch, push manifest + PDFs over SFTP, then mark the batch uploaded.
// Adapter calls happen between the read and write transactions, never inside.
func (p *Pipeline) UploadHandler() taskqueue.Handler {
	return func(ctx context.Context, task *domain.Task) error {
		var payload struct {
			BatchID string `json:"batch_id"`
		}
		if err := json.Unmarshal(task.Payload, &payload); err != nil || payload.BatchID == "" {
			return adapters.Permanent("batch.upload", fmt.Errorf("bad payload: %v", err))
		}

		var (
			b       *domain.LetterBatch
			letters []*domain.Letter
		)
		err := p.gw.Run(ctx, func(tx *store.Tx) error {
			var err error
			b, err = tx.GetBatch(ctx, task.TenantID, payload.BatchID)
			if err != nil {
				return err
			}
			letters, err = tx.ListLettersByBatch(ctx, task.TenantID, payload.BatchID)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			return nil // batch deleted under us; the retry has nothing to do
		}
		if err != nil {
			return err
		}
		if b.Status != domain.BatchDraft {
			return nil // replayed task after a successful upload
		}
		for _, l := range letters {
			if l.Status != domain.LetterApproved {
				return adapters.Permanent("batch.upload",
					fmt.Errorf("letter %s regressed to %s before upload", l.ID, l.Status))
			}
		}

		manifest, err := BuildManifest(b.ID, task.TenantID, letters)
		if err != nil {
			return adapters.Permanent("batch.upload", err)
		}
		if got := ManifestSHA256(manifest); got != b.ManifestSHA256 {
			return adapters.Permanent("batch.upload",
				fmt.Errorf("manifest hash %s does not match sealed %s", got, b.ManifestSHA256))
		}

		files := map[string][]byte{manifestName: manifest}
		for _, l := range letters {
			files[documentName(l.ID)] = renderDocument(l)
		}

		remote, err := p.mailer.Upload(ctx, task.TenantID, b.ID, files)
		if err != nil {
			return err
		}

		return p.gw.Run(ctx, func(tx *store.Tx) error {
			b, err := tx.GetBatch(ctx, task.TenantID, payload.BatchID)
			if err != nil {
				return err
			}
			if b.Status != domain.BatchDraft {
				return nil
			}
			now := tx.Now()
			b.Status = domain.BatchUploaded
			b.UploadedAt = &now
			b.RemoteFiles = remote
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}

			metrics.BatchLetters.WithLabelValues("uploaded").Add(float64(len(letters)))
			for clientID, round := range clientRounds(letters) {
				tx.Emit(task.TenantID, domain.AggregateBatch, b.ID, domain.EventBatchUploaded, map[string]interface{}{
					"client_id": clientID,
					"round":     round,
					"letters":   len(letters),
				})
			}
			p.logger.Printf("📬 Batch %s uploaded: %d letters, %d remote files", b.ID, len(letters), len(remote))
			return nil
		})
	}
}

// clientRounds collapses a batch's letters to one (client, round) pair each.
func clientRounds(letters []*domain.Letter) map[string]int {
	out := make(map[string]int)
	for _, l := range letters {
		out[l.ClientID] = l.Round
	}
	return out
}

// renderDocument produces the mail-ready PDF for a letter. Single page,
// monospace body; the provider only requires well-formed PDF 1.4.
func renderDocument(l *domain.Letter) []byte {
	var content bytes.Buffer
	content.WriteString("BT /F1 10 Tf 50 760 Td 12 TL\n")
	for _, line := range bytes.Split([]byte(l.Body), []byte("\n")) {
		content.WriteString("(")
		for _, c := range line {
			switch c {
			case '(', ')', '\\':
				content.WriteByte('\\')
			}
			content.WriteByte(c)
		}
		content.WriteString(") Tj T*\n")
	}
	content.WriteString("ET")

	var pdf bytes.Buffer
	pdf.WriteString("%PDF-1.4\n")
	offsets := make([]int, 0, 5)
	writeObj := func(body string) {
		offsets = append(offsets, pdf.Len())
		pdf.WriteString(body)
	}
	writeObj("1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj\n")
	writeObj("2 0 obj << /Type /Pages /Kids [3 0 R] /Count 1 >> endobj\n")
	writeObj("3 0 obj << /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] " +
		"/Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >> endobj\n")
	writeObj("4 0 obj << /Type /Font /Subtype /Type1 /BaseFont /Courier >> endobj\n")
	writeObj(fmt.Sprintf("5 0 obj << /Length %d >> stream\n%s\nendstream endobj\n",
		content.Len(), content.String()))

	xref := pdf.Len()
	fmt.Fprintf(&pdf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&pdf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&pdf, "trailer << /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(offsets)+1, xref)
	return pdf.Bytes()
}

// ============================================================================
// TRACKING POLL TASK
// ============================================================================

// PollTrackingHandler returns the poll_tracking_sftp task handler: ingest any
// waiting acknowledgement files for uploaded batches, then walk the daily
// tracking feed forward from each batch's cursor.
func (p *Pipeline) PollTrackingHandler() taskqueue.Handler {
	return func(ctx context.Context, task *domain.Task) error {
		var uploaded, acked []*domain.LetterBatch
		err := p.gw.Run(ctx, func(tx *store.Tx) error {
			var err error
			if uploaded, err = tx.ListBatchesByStatus(ctx, task.TenantID, domain.BatchUploaded); err != nil {
				return err
			}
			acked, err = tx.ListBatchesByStatus(ctx, task.TenantID, domain.BatchAcknowledged)
			return err
		})
		if err != nil {
			return err
		}

		for _, b := range uploaded {
			nowAcked, err := p.ingestAck(ctx, task.TenantID, b.ID)
			if err != nil {
				return err
			}
			if nowAcked {
				acked = append(acked, b)
			}
		}

		for _, b := range acked {
			if err := p.ingestTracking(ctx, task.TenantID, b.ID); err != nil {
				return err
			}
		}
		return nil
	}
}

// ingestAck fetches and applies ACK-{batch}.csv. ACCEPTED rows move letters
// to queued with their tracking number; REJECTED rows mark undeliverable and
// surface letter.blocked. A row-set mismatch means the provider saw a partial
// upload: the batch fails and its letters revert to approved for a fresh
// batch.
func (p *Pipeline) ingestAck(ctx context.Context, tenantID, batchID string) (acked bool, err error) {
	raw, err := p.mailer.Fetch(ctx, tenantID, AckFileName(batchID))
	if errors.Is(err, adapters.ErrRemoteMissing) {
		return false, nil // provider has not processed the batch yet
	}
	if err != nil {
		return false, err
	}

	rows, parseErr := ParseAck(bytes.NewReader(raw))

	err = p.gw.Run(ctx, func(tx *store.Tx) error {
		b, err := tx.GetBatch(ctx, tenantID, batchID)
		if err != nil {
			return err
		}
		if b.Status != domain.BatchUploaded {
			return nil
		}
		letters, err := tx.ListLettersByBatch(ctx, tenantID, batchID)
		if err != nil {
			return err
		}

		if parseErr != nil {
			return p.failBatch(ctx, tx, b, letters, fmt.Sprintf("acknowledgement unreadable: %v", parseErr))
		}
		byID := make(map[string]*domain.Letter, len(letters))
		for _, l := range letters {
			byID[l.ID] = l
		}
		if len(rows) != len(letters) {
			return p.failBatch(ctx, tx, b, letters,
				fmt.Sprintf("acknowledgement covers %d of %d letters", len(rows), len(letters)))
		}
		for _, row := range rows {
			if _, ok := byID[row.LetterID]; !ok {
				return p.failBatch(ctx, tx, b, letters,
					fmt.Sprintf("acknowledgement names unknown letter %s", row.LetterID))
			}
		}

		for _, row := range rows {
			l := byID[row.LetterID]
			switch row.Status {
			case AckAccepted:
				l.Status = domain.LetterQueued
				l.TrackingNumber = row.TrackingNumber
				if err := tx.UpdateLetter(ctx, l); err != nil {
					return err
				}
				metrics.BatchLetters.WithLabelValues("queued").Inc()
				tx.Emit(tenantID, domain.AggregateLetter, l.ID, domain.EventLetterQueued, map[string]interface{}{
					"client_id":       l.ClientID,
					"round":           l.Round,
					"tracking_number": l.TrackingNumber,
				})
			case AckRejected:
				l.Status = domain.LetterUndeliverable
				if err := tx.UpdateLetter(ctx, l); err != nil {
					return err
				}
				metrics.BatchLetters.WithLabelValues("undeliverable").Inc()
				tx.Emit(tenantID, domain.AggregateLetter, l.ID, domain.EventLetterBlocked, map[string]interface{}{
					"client_id": l.ClientID,
					"round":     l.Round,
					"error":     "mail provider rejected letter at intake",
				})
			}
		}

		b.Status = domain.BatchAcknowledged
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}
		acked = true
		tx.Emit(tenantID, domain.AggregateBatch, b.ID, domain.EventBatchAcknowledged, map[string]interface{}{
			"letters": len(letters),
		})
		p.logger.Printf("✅ Batch %s acknowledged: %d letters", b.ID, len(letters))
		return nil
	})
	return acked, err
}

// failBatch is the partial-upload path: the batch is dead (a re-approval
// mints a fresh batch id), the letters go back to approved with no batch.
func (p *Pipeline) failBatch(ctx context.Context, tx *store.Tx, b *domain.LetterBatch, letters []*domain.Letter, reason string) error {
	b.Status = domain.BatchFailed
	if err := tx.UpdateBatch(ctx, b); err != nil {
		return err
	}
	for _, l := range letters {
		l.Status = domain.LetterApproved
		l.BatchID = ""
		l.TrackingNumber = ""
		if err := tx.UpdateLetter(ctx, l); err != nil {
			return err
		}
	}
	metrics.BatchLetters.WithLabelValues("failed").Add(float64(len(letters)))
	for clientID := range clientRounds(letters) {
		tx.Emit(b.TenantID, domain.AggregateBatch, b.ID, domain.EventBatchFailed, map[string]interface{}{
			"client_id": clientID,
			"error":     reason,
		})
	}
	p.logger.Printf("💥 Batch %s failed: %s", b.ID, reason)
	return nil
}

// ingestTracking walks the daily TRACK-{yyyymmdd}.csv feed from the batch's
// cursor up to today, applying delivery events to letters.
func (p *Pipeline) ingestTracking(ctx context.Context, tenantID, batchID string) error {
	var b *domain.LetterBatch
	err := p.gw.Run(ctx, func(tx *store.Tx) error {
		var err error
		b, err = tx.GetBatch(ctx, tenantID, batchID)
		return err
	})
	if err != nil {
		return err
	}
	if b.Status != domain.BatchAcknowledged {
		return nil
	}

	today := p.clock.Now().In(p.clock.Location())
	day := cursorStart(b, today)

	for !day.After(today) {
		isToday := sameDay(day, today)
		raw, err := p.mailer.Fetch(ctx, tenantID, TrackFileName(day))
		if errors.Is(err, adapters.ErrRemoteMissing) {
			// Past days without a file never get one; today's may still land.
			if isToday {
				return nil
			}
			if err := p.advanceCursor(ctx, tenantID, batchID, day); err != nil {
				return err
			}
			day = day.AddDate(0, 0, 1)
			continue
		}
		if err != nil {
			return err
		}

		rows, err := ParseTrack(bytes.NewReader(raw))
		if err != nil {
			return adapters.Permanent("batch.track", err)
		}
		if err := p.applyTracking(ctx, tenantID, batchID, rows); err != nil {
			return err
		}
		// Today's file can grow until the provider's end-of-day cut; keep the
		// cursor behind it so tomorrow's poll re-reads it.
		if isToday {
			return nil
		}
		if err := p.advanceCursor(ctx, tenantID, batchID, day); err != nil {
			return err
		}
		day = day.AddDate(0, 0, 1)
	}
	return nil
}

func cursorStart(b *domain.LetterBatch, today time.Time) time.Time {
	if t, err := time.ParseInLocation("20060102", b.TrackingCursor, today.Location()); err == nil {
		return t.AddDate(0, 0, 1)
	}
	if b.UploadedAt != nil {
		return b.UploadedAt.In(today.Location())
	}
	return today
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func (p *Pipeline) advanceCursor(ctx context.Context, tenantID, batchID string, day time.Time) error {
	return p.gw.Run(ctx, func(tx *store.Tx) error {
		b, err := tx.GetBatch(ctx, tenantID, batchID)
		if err != nil {
			return err
		}
		b.TrackingCursor = day.Format("20060102")
		return tx.UpdateBatch(ctx, b)
	})
}

// applyTracking folds one day's rows into letter statuses. Replayed rows are
// no-ops because the status ladder only moves forward.
func (p *Pipeline) applyTracking(ctx context.Context, tenantID, batchID string, rows []TrackRow) error {
	return p.gw.Run(ctx, func(tx *store.Tx) error {
		for _, row := range rows {
			l, err := tx.GetLetterByTracking(ctx, tenantID, row.TrackingNumber)
			if errors.Is(err, store.ErrNotFound) {
				continue // another batch or tenant's letter
			}
			if err != nil {
				return err
			}
			if l.BatchID != batchID {
				continue
			}

			switch row.EventCode {
			case TrackInTransit, TrackOutForDelivery:
				if l.Status != domain.LetterQueued {
					continue
				}
				l.Status = domain.LetterSent
				if err := tx.UpdateLetter(ctx, l); err != nil {
					return err
				}
				metrics.BatchLetters.WithLabelValues("sent").Inc()
				tx.Emit(tenantID, domain.AggregateLetter, l.ID, domain.EventLetterSent, map[string]interface{}{
					"client_id": l.ClientID,
					"round":     l.Round,
				})

			case TrackDelivered:
				if l.Status == domain.LetterDelivered || l.Status == domain.LetterReturned {
					continue
				}
				ts := row.EventTS
				l.Status = domain.LetterDelivered
				l.DeliveredAt = &ts
				if err := tx.UpdateLetter(ctx, l); err != nil {
					return err
				}
				metrics.BatchLetters.WithLabelValues("delivered").Inc()
				tx.Emit(tenantID, domain.AggregateLetter, l.ID, domain.EventLetterDelivered, map[string]interface{}{
					"client_id":      l.ClientID,
					"round":          l.Round,
					"recipient_type": string(l.Recipient.Type),
					"delivered_at":   ts.Format(time.RFC3339),
				})

			case TrackReturned:
				if l.Status == domain.LetterReturned {
					continue
				}
				l.Status = domain.LetterReturned
				if err := tx.UpdateLetter(ctx, l); err != nil {
					return err
				}
				metrics.BatchLetters.WithLabelValues("returned").Inc()
				tx.Emit(tenantID, domain.AggregateLetter, l.ID, domain.EventLetterReturned, map[string]interface{}{
					"client_id": l.ClientID,
					"round":     l.Round,
				})
				tx.Emit(tenantID, domain.AggregateLetter, l.ID, domain.EventLetterBlocked, map[string]interface{}{
					"client_id": l.ClientID,
					"round":     l.Round,
					"error":     "letter returned by carrier",
				})
			}
		}

		return p.maybeComplete(ctx, tx, tenantID, batchID)
	})
}

// maybeComplete closes the batch once every letter reached a terminal
// delivery status.
func (p *Pipeline) maybeComplete(ctx context.Context, tx *store.Tx, tenantID, batchID string) error {
	b, err := tx.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		return err
	}
	if b.Status != domain.BatchAcknowledged {
		return nil
	}
	letters, err := tx.ListLettersByBatch(ctx, tenantID, batchID)
	if err != nil {
		return err
	}
	for _, l := range letters {
		switch l.Status {
		case domain.LetterDelivered, domain.LetterReturned, domain.LetterUndeliverable:
		default:
			return nil
		}
	}
	b.Status = domain.BatchCompleted
	if err := tx.UpdateBatch(ctx, b); err != nil {
		return err
	}
	tx.Emit(tenantID, domain.AggregateBatch, b.ID, domain.EventBatchCompleted, map[string]interface{}{
		"letters": len(letters),
	})
	p.logger.Printf("🏁 Batch %s completed", b.ID)
	return nil
}
