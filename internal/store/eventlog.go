package store

import (
	"context"
	"time"

	"github.com/disputeworks/core/internal/domain"
)

// EventsForAggregate reads an aggregate's log from a sequence cursor, in
// order. Used by projections and by downstream consumers resuming from
// (aggregate_id, sequence).
func (g *Gateway) EventsForAggregate(ctx context.Context, aggregateID string, afterSeq int64, limit int) ([]*domain.Event, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, tenant_id, aggregate_type, aggregate_id, type, sequence, commit_ts, payload
		FROM domain_events
		WHERE aggregate_id=$1 AND sequence > $2
		ORDER BY sequence LIMIT $3`, aggregateID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.AggregateType, &ev.AggregateID,
			&ev.Type, &ev.Sequence, &ev.CommitTS, &payload); err != nil {
			return nil, err
		}
		if err := jsonUnmarshal(payload, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// PruneEvents deletes log entries older than the retention window. Run from
// the scheduler; append-only otherwise.
func (g *Gateway) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := g.db.ExecContext(ctx,
		`DELETE FROM domain_events WHERE commit_ts < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
