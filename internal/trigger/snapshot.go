package trigger

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/store"
)

const (
	snapshotTTL      = 5 * time.Minute
	snapshotKeySpace = "core:snapshot:"
)

// Snapshot is the read-only client view conditions may reference. It is a
// point-in-time copy; command handlers never read it back.
type Snapshot struct {
	Stage           string `json:"stage"`
	State           string `json:"state"`
	Round           int    `json:"round"`
	ManualHold      bool   `json:"manual_hold"`
	PaymentAttempts int    `json:"payment_attempts"`
	CROASigned      bool   `json:"croa_signed"`
}

func snapshotOf(c *domain.Client) *Snapshot {
	return &Snapshot{
		Stage:           string(c.Stage),
		State:           string(c.State),
		Round:           c.Round,
		ManualHold:      c.ManualHold,
		PaymentAttempts: c.PaymentAttempts,
		CROASigned:      c.CROASignedAt != nil,
	}
}

// fields flattens the snapshot under the client.* prefix for condition
// evaluation.
func (s *Snapshot) fields(scope map[string]interface{}) {
	scope["client.stage"] = s.Stage
	scope["client.state"] = s.State
	scope["client.round"] = s.Round
	scope["client.manual_hold"] = s.ManualHold
	scope["client.payment_attempts"] = s.PaymentAttempts
	scope["client.croa_signed"] = s.CROASigned
}

// SnapshotCache serves client snapshots for condition evaluation and is
// invalidated whenever a client-aggregate event commits.
type SnapshotCache struct {
	gw  *store.Gateway
	rdb *redis.Client // nil when Redis is not configured

	mu    sync.Mutex
	local map[string]*localSnapshot
	logger *log.Logger
}

type localSnapshot struct {
	snap    *Snapshot
	expires time.Time
}

// NewSnapshotCache builds the cache. rdb may be nil; the in-process map then
// carries the whole load, which is fine for a single-node deployment.
func NewSnapshotCache(gw *store.Gateway, rdb *redis.Client) *SnapshotCache {
	return &SnapshotCache{
		gw:     gw,
		rdb:    rdb,
		local:  make(map[string]*localSnapshot),
		logger: log.New(log.Writer(), "[SNAPSHOT] ", log.LstdFlags),
	}
}

// Get returns the snapshot for (tenant, client), loading through the cache.
func (sc *SnapshotCache) Get(ctx context.Context, tenantID, clientID string) (*Snapshot, error) {
	key := tenantID + ":" + clientID

	sc.mu.Lock()
	if ls, ok := sc.local[key]; ok && time.Now().Before(ls.expires) {
		sc.mu.Unlock()
		return ls.snap, nil
	}
	sc.mu.Unlock()

	if sc.rdb != nil {
		if raw, err := sc.rdb.Get(ctx, snapshotKeySpace+key).Bytes(); err == nil {
			var s Snapshot
			if json.Unmarshal(raw, &s) == nil {
				sc.store(key, &s)
				return &s, nil
			}
		}
	}

	c, err := sc.gw.GetClientDirect(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	s := snapshotOf(c)
	sc.store(key, s)

	if sc.rdb != nil {
		if raw, err := json.Marshal(s); err == nil {
			if err := sc.rdb.Set(ctx, snapshotKeySpace+key, raw, snapshotTTL).Err(); err != nil {
				sc.logger.Printf("⚠️ Redis set failed: %v", err)
			}
		}
	}
	return s, nil
}

// Invalidate drops a (tenant, client) entry. Wired to client-aggregate
// events so the next evaluation reloads fresh state.
func (sc *SnapshotCache) Invalidate(ctx context.Context, tenantID, clientID string) {
	key := tenantID + ":" + clientID

	sc.mu.Lock()
	delete(sc.local, key)
	sc.mu.Unlock()

	if sc.rdb != nil {
		if err := sc.rdb.Del(ctx, snapshotKeySpace+key).Err(); err != nil {
			sc.logger.Printf("⚠️ Redis del failed: %v", err)
		}
	}
}

func (sc *SnapshotCache) store(key string, s *Snapshot) {
	sc.mu.Lock()
	sc.local[key] = &localSnapshot{snap: s, expires: time.Now().Add(snapshotTTL)}
	sc.mu.Unlock()
}
