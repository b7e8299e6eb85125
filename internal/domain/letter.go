package domain

import (
	"time"
)

// ============================================================================
// LETTERS
// ============================================================================

// LetterKind enumerates the correspondence kinds the core can produce.
type LetterKind string

const (
	LetterRound1       LetterKind = "round1"
	LetterRound2       LetterKind = "round2"
	LetterRound3       LetterKind = "round3"
	LetterRound4       LetterKind = "round4"
	LetterMOV          LetterKind = "mov"
	LetterFreeze       LetterKind = "freeze"
	LetterValidation   LetterKind = "validation"
	Letter605BBlock    LetterKind = "605b_block"
	LetterCFPB         LetterKind = "cfpb_complaint"
	LetterDemand       LetterKind = "demand"
	LetterPreArb       LetterKind = "pre_arb"
	LetterReinsertion  LetterKind = "reinsertion_611a5b"
)

// RoundLetterKind returns the kind for a numbered round.
func RoundLetterKind(round int) LetterKind {
	switch round {
	case 1:
		return LetterRound1
	case 2:
		return LetterRound2
	case 3:
		return LetterRound3
	default:
		return LetterRound4
	}
}

// LetterStatus is the letter lifecycle. pending_approval→approved belongs to
// the state machine; queued→sent→delivered belongs to the batch pipeline.
type LetterStatus string

const (
	LetterPendingApproval LetterStatus = "pending_approval"
	LetterApproved        LetterStatus = "approved"
	LetterQueued          LetterStatus = "queued"
	LetterSent            LetterStatus = "sent"
	LetterDelivered       LetterStatus = "delivered"
	LetterReturned        LetterStatus = "returned"
	LetterUndeliverable   LetterStatus = "undeliverable"
)

// RecipientType distinguishes bureau from furnisher addressees.
type RecipientType string

const (
	RecipientBureau    RecipientType = "bureau"
	RecipientFurnisher RecipientType = "furnisher"
)

// Recipient is a mailing addressee.
type Recipient struct {
	Type     RecipientType `json:"type"`
	Bureau   Bureau        `json:"bureau,omitempty"`
	Name     string        `json:"name"`
	Address1 string        `json:"address1"`
	City     string        `json:"city"`
	State    string        `json:"state"`
	Zip      string        `json:"zip"`
}

// Letter is a generated artifact awaiting approval, mailing, and delivery.
type Letter struct {
	ID             string       `json:"letter_id"`
	TenantID       string       `json:"tenant_id"`
	ClientID       string       `json:"client_id"`
	Round          int          `json:"round"`
	Kind           LetterKind   `json:"kind"`
	Recipient      Recipient    `json:"recipient"`
	Status         LetterStatus `json:"status"`
	Body           string       `json:"-"` // final content; hashed below
	SHA256         string       `json:"sha256"`
	TrackingNumber string       `json:"tracking_number,omitempty"`
	BatchID        string       `json:"batch_id,omitempty"`
	CostMinor      int64        `json:"cost_minor"`
	TokenCost      int64        `json:"token_cost,omitempty"` // AI generation cost
	CreatedAt      time.Time    `json:"created_at"`
	DeliveredAt    *time.Time   `json:"delivered_at,omitempty"`
}

// InFlight reports whether the letter occupies the per-(round, bureau) slot:
// at most one letter per (client, round, bureau) may be queued/sent/delivered.
func (l *Letter) InFlight() bool {
	switch l.Status {
	case LetterQueued, LetterSent, LetterDelivered:
		return true
	}
	return false
}

// ============================================================================
// LETTER BATCHES
// ============================================================================

// BatchStatus is the SFTP upload unit lifecycle. A failed batch is never
// reused; re-approval creates a fresh batch id.
type BatchStatus string

const (
	BatchDraft        BatchStatus = "draft"
	BatchUploaded     BatchStatus = "uploaded"
	BatchAcknowledged BatchStatus = "acknowledged"
	BatchCompleted    BatchStatus = "completed"
	BatchFailed       BatchStatus = "failed"
)

// LetterBatch groups approved letters into one SFTP transaction.
type LetterBatch struct {
	ID             string      `json:"batch_id"`
	TenantID       string      `json:"tenant_id"`
	Status         BatchStatus `json:"status"`
	ManifestSHA256 string      `json:"manifest_sha256"`
	CostMinor      int64       `json:"cost_minor"`
	RemoteFiles    []string    `json:"remote_files"`
	// TrackingCursor is the last TRACK-file date ingested for this batch.
	TrackingCursor string     `json:"tracking_cursor"`
	CreatedAt      time.Time  `json:"created_at"`
	UploadedAt     *time.Time `json:"uploaded_at,omitempty"`
}
