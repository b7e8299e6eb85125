package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/disputeworks/core/internal/clock"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/store"
	"github.com/disputeworks/core/internal/taskqueue"
)

var (
	// ErrLetterState reports an approval on a letter not awaiting approval.
	ErrLetterState = errors.New("letter is not pending approval")
	// ErrBatchState reports an upload request on a non-draft batch.
	ErrBatchState = errors.New("batch is not in draft")
	// ErrBatchEmpty reports an upload request on a batch with no letters.
	ErrBatchEmpty = errors.New("batch has no letters")
	// ErrUploadInFlight reports a second upload while one is pending for the
	// tenant. Approvals queue into the next draft batch instead.
	ErrUploadInFlight = errors.New("another batch upload is in flight")
)

// Pipeline owns letter approval, batch sealing, and the SFTP round trips.
type Pipeline struct {
	gw               *store.Gateway
	queue            *taskqueue.Queue
	clock            clock.Clock
	mailer           Mailer
	defaultCostMinor int64
	logger           *log.Logger
}

// Mailer is the slice of the SFTP adapter the pipeline uses.
type Mailer interface {
	Upload(ctx context.Context, tenantID, batchID string, files map[string][]byte) ([]string, error)
	Fetch(ctx context.Context, tenantID, name string) ([]byte, error)
}

// NewPipeline builds the pipeline. defaultCostMinor is CORE_LETTER_COST_MINOR,
// overridden per tenant when the tenant row carries its own rate.
func NewPipeline(gw *store.Gateway, queue *taskqueue.Queue, clk clock.Clock, mailer Mailer, defaultCostMinor int64) *Pipeline {
	return &Pipeline{
		gw:               gw,
		queue:            queue,
		clock:            clk,
		mailer:           mailer,
		defaultCostMinor: defaultCostMinor,
		logger:           log.New(log.Writer(), "[BATCH] ", log.LstdFlags),
	}
}

// ============================================================================
// APPROVAL COMMANDS
// ============================================================================

// ApproveLetter moves a letter pending_approval→approved and assigns it to
// the tenant's open draft batch, creating one when none is open. The per-unit
// mailing cost is stamped from tenant config at approval time.
func (p *Pipeline) ApproveLetter(ctx context.Context, tenantID, letterID, actor string) error {
	return p.gw.Run(ctx, func(tx *store.Tx) error {
		l, err := tx.GetLetter(ctx, tenantID, letterID)
		if err != nil {
			return err
		}
		if l.Status == domain.LetterApproved {
			return nil // replayed approval
		}
		if l.Status != domain.LetterPendingApproval {
			return fmt.Errorf("letter %s in %s: %w", letterID, l.Status, ErrLetterState)
		}

		b, err := p.openDraft(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		before := hashJSON(l)
		l.Status = domain.LetterApproved
		l.BatchID = b.ID
		l.CostMinor = p.letterCost(ctx, tx, tenantID)
		if err := tx.UpdateLetter(ctx, l); err != nil {
			return err
		}

		b.CostMinor += l.CostMinor
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		tx.Emit(tenantID, domain.AggregateLetter, l.ID, domain.EventLetterApproved, map[string]interface{}{
			"client_id": l.ClientID,
			"round":     l.Round,
			"batch_id":  b.ID,
		})
		return tx.InsertAudit(ctx, &domain.AuditEntry{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			Actor:        actor,
			Action:       "letter.approve",
			ResourceType: domain.AggregateLetter,
			ResourceID:   l.ID,
			BeforeSHA256: before,
			AfterSHA256:  hashJSON(l),
		})
	})
}

// ApproveBatch seals a draft batch and enqueues its upload. Sealing records
// the manifest hash; later approvals open a fresh draft batch. Returns the
// upload task id.
func (p *Pipeline) ApproveBatch(ctx context.Context, tenantID, batchID, actor string) (string, error) {
	var taskID string
	err := p.gw.Run(ctx, func(tx *store.Tx) error {
		b, err := tx.GetBatch(ctx, tenantID, batchID)
		if err != nil {
			return err
		}
		if b.Status != domain.BatchDraft {
			return fmt.Errorf("batch %s in %s: %w", batchID, b.Status, ErrBatchState)
		}

		// One active upload per tenant: a sealed sibling still in draft means
		// its upload has not landed yet.
		drafts, err := tx.ListBatchesByStatus(ctx, tenantID, domain.BatchDraft)
		if err != nil {
			return err
		}
		for _, d := range drafts {
			if d.ID != b.ID && d.ManifestSHA256 != "" {
				return fmt.Errorf("batch %s: %w", d.ID, ErrUploadInFlight)
			}
		}

		letters, err := tx.ListLettersByBatch(ctx, tenantID, batchID)
		if err != nil {
			return err
		}
		if len(letters) == 0 {
			return fmt.Errorf("batch %s: %w", batchID, ErrBatchEmpty)
		}
		for _, l := range letters {
			if l.Status != domain.LetterApproved {
				return fmt.Errorf("letter %s in %s: %w", l.ID, l.Status, ErrLetterState)
			}
		}

		manifest, err := BuildManifest(b.ID, tenantID, letters)
		if err != nil {
			return err
		}
		before := hashJSON(b)
		b.ManifestSHA256 = ManifestSHA256(manifest)
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return err
		}

		taskID, _, err = p.queue.EnqueueTx(ctx, tx, taskqueue.Request{
			TenantID:       tenantID,
			Type:           domain.TaskUploadBatchSFTP,
			Payload:        map[string]interface{}{"batch_id": b.ID},
			IdempotencyKey: fmt.Sprintf("upload:%s:%s", tenantID, b.ID),
		})
		if err != nil {
			return err
		}

		return tx.InsertAudit(ctx, &domain.AuditEntry{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			Actor:        actor,
			Action:       "batch.approve",
			ResourceType: domain.AggregateBatch,
			ResourceID:   b.ID,
			BeforeSHA256: before,
			AfterSHA256:  hashJSON(b),
		})
	})
	return taskID, err
}

// openDraft returns the tenant's open (unsealed) draft batch, or creates one.
func (p *Pipeline) openDraft(ctx context.Context, tx *store.Tx, tenantID string) (*domain.LetterBatch, error) {
	drafts, err := tx.ListBatchesByStatus(ctx, tenantID, domain.BatchDraft)
	if err != nil {
		return nil, err
	}
	for _, b := range drafts {
		if b.ManifestSHA256 == "" {
			return b, nil
		}
	}
	b := &domain.LetterBatch{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Status:   domain.BatchDraft,
	}
	if err := tx.InsertBatch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *Pipeline) letterCost(ctx context.Context, tx *store.Tx, tenantID string) int64 {
	tn, err := tx.GetTenant(ctx, tenantID)
	if err == nil && tn.LetterCostMinor > 0 {
		return tn.LetterCostMinor
	}
	return p.defaultCostMinor
}

func hashJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
