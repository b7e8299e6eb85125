// Package store is the persistence gateway: a transactional Postgres store
// for every core entity that appends domain events inside the committing
// transaction and hands them to the event bus only after commit.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/disputeworks/core/internal/clock"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/events"
)

//go:embed schema.sql
var schemaSQL string

const conflictAttempts = 3

// Gateway owns the Postgres pool and the post-commit event hand-off.
type Gateway struct {
	db     *sql.DB
	bus    events.Publisher
	clock  clock.Clock
	logger *log.Logger
}

// Open connects to Postgres and applies the schema.
func Open(dbURL string, bus events.Publisher, clk clock.Clock) (*Gateway, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Gateway{
		db:     db,
		bus:    bus,
		clock:  clk,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// Close shuts the pool down.
func (g *Gateway) Close() error { return g.db.Close() }

// DB exposes the pool for read-only queries outside Run (projections, lease
// polling). Writers go through Run.
func (g *Gateway) DB() *sql.DB { return g.db }

// Clock returns the gateway clock.
func (g *Gateway) Clock() clock.Clock { return g.clock }

// Tx is the unit of work handed to Run closures. Reads and staged writes go
// through its repository methods; Emit stages domain events that are
// appended on commit and delivered after commit in staged order.
type Tx struct {
	tx     *sql.Tx
	gw     *Gateway
	staged []*domain.Event
	now    time.Time
}

// Now is the transaction's wall time (one reading per transaction).
func (t *Tx) Now() time.Time { return t.now }

// Emit stages a domain event for the aggregate. Sequence assignment happens
// at commit; staged order is preserved.
func (t *Tx) Emit(tenantID, aggregateType, aggregateID, eventType string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	t.staged = append(t.staged, &domain.Event{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       payload,
	})
}

// LockAggregate takes a transaction-scoped advisory lock on the aggregate id
// so only one transition for that aggregate processes at a time.
func (t *Tx) LockAggregate(ctx context.Context, aggregateID string) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, aggregateID)
	return err
}

// Run executes fn in a transaction. On commit the staged events are appended
// to the event log (same transaction, dense per-aggregate sequence) and then
// handed to the bus in staged order. Optimistic-version conflicts retry up
// to three attempts with jittered backoff before failing with ErrConflict.
func (g *Gateway) Run(ctx context.Context, fn func(tx *Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= conflictAttempts; attempt++ {
		err := g.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		if attempt < conflictAttempts {
			sleepJitter(attempt)
		}
	}
	if errors.Is(lastErr, ErrConflict) || isSerialization(lastErr) {
		return fmt.Errorf("%w: %v", ErrConflict, lastErr)
	}
	return lastErr
}

func (g *Gateway) runOnce(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	t := &Tx{tx: sqlTx, gw: g, now: g.clock.Now()}

	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(t); err != nil {
		return err
	}

	if err = t.appendStaged(ctx); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	// No event is delivered unless its transaction committed.
	if len(t.staged) > 0 && g.bus != nil {
		g.bus.Publish(ctx, t.staged)
	}
	return nil
}

// appendStaged assigns dense sequences and writes the staged events inside
// the open transaction.
func (t *Tx) appendStaged(ctx context.Context) error {
	for _, ev := range t.staged {
		var seq int64
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO aggregate_seq (aggregate_id, seq) VALUES ($1, 1)
			ON CONFLICT (aggregate_id) DO UPDATE SET seq = aggregate_seq.seq + 1
			RETURNING seq`, ev.AggregateID).Scan(&seq)
		if err != nil {
			return fmt.Errorf("allocate sequence for %s: %w", ev.AggregateID, err)
		}
		ev.Sequence = seq
		ev.CommitTS = t.now

		payload, err := jsonMarshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO domain_events (id, tenant_id, aggregate_type, aggregate_id, type, sequence, commit_ts, payload)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			ev.ID, ev.TenantID, ev.AggregateType, ev.AggregateID, ev.Type, ev.Sequence, ev.CommitTS, payload)
		if err != nil {
			return fmt.Errorf("append event %s: %w", ev.Type, err)
		}
	}
	return nil
}

func retryable(err error) bool {
	return errors.Is(err, ErrConflict) || isSerialization(err)
}

func isSerialization(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure or deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func sleepJitter(attempt int) {
	base := time.Duration(attempt) * 50 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base)))
	time.Sleep(base + jitter)
}
