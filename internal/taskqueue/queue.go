// Package taskqueue is the durable at-least-once job queue. Tasks are rows in
// Postgres, deduplicated on (type, idempotency_key), leased with SKIP LOCKED
// and retried with exponential backoff until they succeed or dead-letter.
package taskqueue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/store"
)

// Request describes a task to enqueue.
type Request struct {
	TenantID       string
	Type           domain.TaskType
	Payload        map[string]interface{}
	RunAt          time.Time // zero means now
	IdempotencyKey string
	MaxAttempts    int // zero means domain.DefaultMaxAttempts
}

// Queue enqueues tasks and owns the retry backoff policy.
type Queue struct {
	gw     *store.Gateway
	base   time.Duration
	cap    time.Duration
	logger *log.Logger
}

// New builds a queue with the configured backoff base and cap.
func New(gw *store.Gateway, base, cap time.Duration) *Queue {
	if base <= 0 {
		base = 30 * time.Second
	}
	if cap <= 0 {
		cap = time.Hour
	}
	return &Queue{
		gw:     gw,
		base:   base,
		cap:    cap,
		logger: log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// EnqueueTx stages a task inside an open transaction, so the task becomes
// durable atomically with the state change that requested it. Duplicate
// idempotency keys return the existing task id with inserted=false.
func (q *Queue) EnqueueTx(ctx context.Context, tx *store.Tx, req Request) (taskID string, inserted bool, err error) {
	if !req.Type.Valid() {
		return "", false, fmt.Errorf("unknown task type %q", req.Type)
	}
	if req.IdempotencyKey == "" {
		return "", false, fmt.Errorf("enqueue %s: idempotency key required", req.Type)
	}

	payload, err := jsonPayload(req.Payload)
	if err != nil {
		return "", false, err
	}

	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = tx.Now()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}

	tk := &domain.Task{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		Type:           req.Type,
		Payload:        payload,
		RunAt:          runAt,
		MaxAttempts:    maxAttempts,
		State:          domain.TaskReady,
		IdempotencyKey: req.IdempotencyKey,
	}
	return tx.InsertTaskIdempotent(ctx, tk)
}

// Enqueue opens its own transaction around EnqueueTx. For callers that are
// not already inside a unit of work (scheduler ticks, API handlers).
func (q *Queue) Enqueue(ctx context.Context, req Request) (taskID string, inserted bool, err error) {
	err = q.gw.Run(ctx, func(tx *store.Tx) error {
		taskID, inserted, err = q.EnqueueTx(ctx, tx, req)
		return err
	})
	return taskID, inserted, err
}

// RetryDelay computes the backoff before retry attempt n (1-based):
// exponential doubling from the base, capped, with ±25% jitter.
func (q *Queue) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.base
	b.MaxInterval = q.cap
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
