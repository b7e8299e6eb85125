// Package batch is the letter batch pipeline: approved letters are grouped
// into an SFTP upload unit with a bit-exact CSV manifest, acknowledged by the
// mail provider, and tracked to delivery through daily tracking files.
package batch

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/disputeworks/core/internal/domain"
)

// Manifest file format, fixed by the mail provider contract: UTF-8, LF line
// endings, one header row, columns in this exact order.
var manifestHeader = []string{
	"batch_id", "letter_id", "recipient_name", "recipient_address1",
	"recipient_city", "recipient_state", "recipient_zip", "service_class",
	"return_address_id", "document_filename", "sha256",
}

const (
	manifestName = "manifest.csv"
	serviceClass = "CERTIFIED"
)

// returnAddressID is the provider-side stored return address for a tenant.
func returnAddressID(tenantID string) string {
	return "RA-" + tenantID
}

// documentName is the per-letter PDF filename placed alongside the manifest.
func documentName(letterID string) string {
	return letterID + ".pdf"
}

// BuildManifest renders the CSV manifest for a batch. The byte output is
// deterministic for a given letter set, so its SHA-256 can be recorded at
// approval time and re-verified at upload time.
func BuildManifest(batchID, tenantID string, letters []*domain.Letter) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(manifestHeader); err != nil {
		return nil, err
	}
	for _, l := range letters {
		row := []string{
			batchID,
			l.ID,
			l.Recipient.Name,
			l.Recipient.Address1,
			l.Recipient.City,
			l.Recipient.State,
			l.Recipient.Zip,
			serviceClass,
			returnAddressID(tenantID),
			documentName(l.ID),
			l.SHA256,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ManifestSHA256 hashes the rendered manifest.
func ManifestSHA256(manifest []byte) string {
	sum := sha256.Sum256(manifest)
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// ACKNOWLEDGEMENT FILES
// ============================================================================

// AckStatus is the provider's per-letter intake verdict.
type AckStatus string

const (
	AckAccepted AckStatus = "ACCEPTED"
	AckRejected AckStatus = "REJECTED"
)

// AckRow is one row of ACK-{batch_id}.csv.
type AckRow struct {
	LetterID       string
	TrackingNumber string
	Status         AckStatus
}

// AckFileName names the acknowledgement file for a batch.
func AckFileName(batchID string) string {
	return "ACK-" + batchID + ".csv"
}

// ParseAck reads an acknowledgement file. Unknown statuses are a parse error:
// the provider contract is closed and a surprise here means a partial or
// corrupt upload.
func ParseAck(r io.Reader) ([]AckRow, error) {
	records, err := readCSV(r, []string{"letter_id", "tracking_number", "status"})
	if err != nil {
		return nil, err
	}
	out := make([]AckRow, 0, len(records))
	for i, rec := range records {
		status := AckStatus(rec[2])
		if status != AckAccepted && status != AckRejected {
			return nil, fmt.Errorf("ack row %d: unknown status %q", i+1, rec[2])
		}
		out = append(out, AckRow{LetterID: rec[0], TrackingNumber: rec[1], Status: status})
	}
	return out, nil
}

// ============================================================================
// TRACKING FILES
// ============================================================================

// TrackEvent codes from the daily tracking feed.
const (
	TrackInTransit      = "IN_TRANSIT"
	TrackOutForDelivery = "OUT_FOR_DELIVERY"
	TrackDelivered      = "DELIVERED"
	TrackReturned       = "RETURNED"
)

// TrackRow is one row of TRACK-{yyyymmdd}.csv.
type TrackRow struct {
	TrackingNumber string
	EventTS        time.Time
	EventCode      string
}

// TrackFileName names the tracking file for a calendar day.
func TrackFileName(day time.Time) string {
	return "TRACK-" + day.Format("20060102") + ".csv"
}

// ParseTrack reads a tracking file. Rows with unknown event codes or bad
// timestamps are skipped rather than failing the whole day's ingest.
func ParseTrack(r io.Reader) ([]TrackRow, error) {
	records, err := readCSV(r, []string{"tracking_number", "event_ts_iso", "event_code"})
	if err != nil {
		return nil, err
	}
	var out []TrackRow
	for _, rec := range records {
		switch rec[2] {
		case TrackInTransit, TrackOutForDelivery, TrackDelivered, TrackReturned:
		default:
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec[1])
		if err != nil {
			continue
		}
		out = append(out, TrackRow{TrackingNumber: rec[0], EventTS: ts, EventCode: rec[2]})
	}
	return out, nil
}

// readCSV parses a provider CSV, verifying the header and column count.
func readCSV(r io.Reader, header []string) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)

	first, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if strings.Join(first, ",") != strings.Join(header, ",") {
		return nil, fmt.Errorf("unexpected header %q", strings.Join(first, ","))
	}

	var records [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}
