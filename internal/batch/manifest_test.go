package batch

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disputeworks/core/internal/domain"
)

func sampleLetters() []*domain.Letter {
	return []*domain.Letter{
		{
			ID:     "lt-001",
			SHA256: "aaaa1111",
			Recipient: domain.Recipient{
				Name: "Equifax Information Services LLC", Address1: "P.O. Box 740256",
				City: "Atlanta", State: "GA", Zip: "30374",
			},
		},
		{
			ID:     "lt-002",
			SHA256: "bbbb2222",
			Recipient: domain.Recipient{
				Name: "Experian", Address1: "P.O. Box 4500",
				City: "Allen", State: "TX", Zip: "75013",
			},
		},
	}
}

func TestBuildManifestExactBytes(t *testing.T) {
	got, err := BuildManifest("b-9", "t-1", sampleLetters())
	require.NoError(t, err)

	want := "batch_id,letter_id,recipient_name,recipient_address1,recipient_city,recipient_state,recipient_zip,service_class,return_address_id,document_filename,sha256\n" +
		"b-9,lt-001,Equifax Information Services LLC,P.O. Box 740256,Atlanta,GA,30374,CERTIFIED,RA-t-1,lt-001.pdf,aaaa1111\n" +
		"b-9,lt-002,Experian,P.O. Box 4500,Allen,TX,75013,CERTIFIED,RA-t-1,lt-002.pdf,bbbb2222\n"
	assert.Equal(t, want, string(got))
}

func TestManifestDeterministicHash(t *testing.T) {
	a, err := BuildManifest("b-9", "t-1", sampleLetters())
	require.NoError(t, err)
	b, err := BuildManifest("b-9", "t-1", sampleLetters())
	require.NoError(t, err)

	assert.Equal(t, ManifestSHA256(a), ManifestSHA256(b))
	assert.Len(t, ManifestSHA256(a), 64)
}

func TestParseAck(t *testing.T) {
	in := "letter_id,tracking_number,status\n" +
		"lt-001,9400100000000000000001,ACCEPTED\n" +
		"lt-002,,REJECTED\n"

	rows, err := ParseAck(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, AckRow{LetterID: "lt-001", TrackingNumber: "9400100000000000000001", Status: AckAccepted}, rows[0])
	assert.Equal(t, AckRejected, rows[1].Status)
	assert.Empty(t, rows[1].TrackingNumber)
}

func TestParseAckRejectsUnknownStatus(t *testing.T) {
	in := "letter_id,tracking_number,status\nlt-001,abc,PENDING\n"
	_, err := ParseAck(strings.NewReader(in))
	assert.Error(t, err)
}

func TestParseAckRejectsBadHeader(t *testing.T) {
	in := "letter,tracking,status\nlt-001,abc,ACCEPTED\n"
	_, err := ParseAck(strings.NewReader(in))
	assert.Error(t, err)
}

func TestParseTrackSkipsUnknownRows(t *testing.T) {
	in := "tracking_number,event_ts_iso,event_code\n" +
		"trk-1,2026-03-04T12:00:00Z,IN_TRANSIT\n" +
		"trk-1,2026-03-05T09:30:00Z,DELIVERED\n" +
		"trk-2,2026-03-05T10:00:00Z,LOST_IN_SPACE\n" +
		"trk-3,not-a-timestamp,RETURNED\n"

	rows, err := ParseTrack(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, TrackInTransit, rows[0].EventCode)
	assert.Equal(t, TrackDelivered, rows[1].EventCode)
	assert.Equal(t, time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC), rows[1].EventTS)
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "ACK-b-9.csv", AckFileName("b-9"))
	day := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, "TRACK-20260304.csv", TrackFileName(day))
}
