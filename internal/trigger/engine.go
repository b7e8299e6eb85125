package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/disputeworks/core/internal/clock"
	"github.com/disputeworks/core/internal/config"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/events"
	"github.com/disputeworks/core/internal/metrics"
	"github.com/disputeworks/core/internal/store"
	"github.com/disputeworks/core/internal/taskqueue"
)

// evalBudget bounds condition evaluation wall time for one trigger. The
// grammar has no loops or calls, so only a pathological rule gets near this.
const evalBudget = 50 * time.Millisecond

// Engine evaluates workflow triggers against committed events. Matched
// triggers only ever enqueue tasks; they never mutate state in-line, so a
// misconfigured rule can at worst create busywork, not corruption.
type Engine struct {
	gw    *store.Gateway
	queue *taskqueue.Queue
	snaps *SnapshotCache
	clock clock.Clock

	mu       sync.Mutex
	compiled map[string]*compiledCond // trigger id -> parsed condition
	logger   *log.Logger
}

type compiledCond struct {
	source string
	expr   *Expr
	bad    bool
}

// NewEngine builds the engine and registers it on the bus for every event.
func NewEngine(gw *store.Gateway, queue *taskqueue.Queue, snaps *SnapshotCache, clk clock.Clock, bus *events.Bus) *Engine {
	e := &Engine{
		gw:       gw,
		queue:    queue,
		snaps:    snaps,
		clock:    clk,
		compiled: make(map[string]*compiledCond),
		logger:   log.New(log.Writer(), "[TRIGGER] ", log.LstdFlags),
	}
	bus.Register(e.handle)
	return e
}

// LoadFileTriggers upserts file-defined rules for every active tenant at
// startup. Ids are deterministic so redeploys update in place.
func (e *Engine) LoadFileTriggers(ctx context.Context, rules []config.TriggerRule) error {
	if len(rules) == 0 {
		return nil
	}
	tenants, err := e.gw.ListTenantIDs(ctx)
	if err != nil {
		return err
	}
	return e.gw.Run(ctx, func(tx *store.Tx) error {
		for _, tenant := range tenants {
			for _, r := range rules {
				action := domain.TriggerAction(r.Action)
				if !action.Valid() {
					e.logger.Printf("⚠️ Skipping file trigger %q: unknown action %q", r.Name, r.Action)
					continue
				}
				if _, err := ParseCondition(r.Condition); err != nil {
					e.logger.Printf("⚠️ Skipping file trigger %q: %v", r.Name, err)
					continue
				}
				w := &domain.WorkflowTrigger{
					ID:        "file:" + tenant + ":" + r.Name,
					TenantID:  tenant,
					Name:      r.Name,
					EventType: r.EventType,
					Condition: r.Condition,
					Action:    action,
					Params:    r.Params,
					Priority:  r.Priority,
					Enabled:   r.Enabled,
				}
				if err := tx.UpsertTrigger(ctx, w); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ReplayHandler returns the evaluate_trigger task handler. It re-runs the
// rules for one committed event addressed by (aggregate_id, sequence), for
// deferred or repaired evaluations; the durable log is the source.
func (e *Engine) ReplayHandler() taskqueue.Handler {
	return func(ctx context.Context, task *domain.Task) error {
		var payload struct {
			AggregateID string `json:"aggregate_id"`
			Sequence    int64  `json:"sequence"`
		}
		if err := json.Unmarshal(task.Payload, &payload); err != nil || payload.AggregateID == "" {
			return fmt.Errorf("evaluate_trigger: bad payload: %v", err)
		}
		evs, err := e.gw.EventsForAggregate(ctx, payload.AggregateID, payload.Sequence-1, 1)
		if err != nil {
			return err
		}
		if len(evs) == 0 || evs[0].Sequence != payload.Sequence {
			e.logger.Printf("⚠️ Replay target %s/%d not in log, skipping",
				payload.AggregateID, payload.Sequence)
			return nil
		}
		e.handle(ctx, evs[0])
		return nil
	}
}

// handle is the bus entry point: invalidate the snapshot on client-aggregate
// commits, then evaluate the tenant's rules for this event type.
func (e *Engine) handle(ctx context.Context, ev *domain.Event) {
	if ev.AggregateType == domain.AggregateClient {
		e.snaps.Invalidate(ctx, ev.TenantID, ev.AggregateID)
	}

	triggers, err := e.gw.TriggersForEvent(ctx, ev.TenantID, ev.Type)
	if err != nil {
		e.logger.Printf("❌ Trigger lookup failed for %s: %v", ev.Type, err)
		return
	}
	if len(triggers) == 0 {
		return
	}

	scope := e.scope(ctx, ev)
	for _, w := range triggers {
		e.evaluate(ctx, w, ev, scope)
	}
}

func (e *Engine) evaluate(ctx context.Context, w *domain.WorkflowTrigger, ev *domain.Event, scope map[string]interface{}) {
	cond := e.compile(w)
	if cond.bad {
		metrics.TriggerEvaluations.WithLabelValues("error").Inc()
		return
	}

	start := time.Now()
	matched := cond.expr.Eval(scope)
	if elapsed := time.Since(start); elapsed > evalBudget {
		e.logger.Printf("⚠️ Trigger %s condition took %v, disabling match", w.ID, elapsed)
		metrics.TriggerEvaluations.WithLabelValues("error").Inc()
		return
	}

	if !matched {
		metrics.TriggerEvaluations.WithLabelValues("unmatched").Inc()
		return
	}
	metrics.TriggerEvaluations.WithLabelValues("matched").Inc()

	req, err := e.compileAction(w, ev, scope)
	if err != nil {
		e.logger.Printf("⚠️ Trigger %s action rejected: %v", w.ID, err)
		return
	}

	if _, inserted, err := e.queue.Enqueue(ctx, req); err != nil {
		e.logger.Printf("❌ Trigger %s enqueue failed: %v", w.ID, err)
	} else if inserted {
		e.logger.Printf("⚡ Trigger %s (%s) fired on %s → %s", w.Name, w.ID, ev.Type, req.Type)
	}
}

// compile caches parsed conditions; a changed condition string recompiles.
func (e *Engine) compile(w *domain.WorkflowTrigger) *compiledCond {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.compiled[w.ID]; ok && c.source == w.Condition {
		return c
	}
	c := &compiledCond{source: w.Condition}
	expr, err := ParseCondition(w.Condition)
	if err != nil {
		e.logger.Printf("⚠️ Trigger %s condition does not parse: %v", w.ID, err)
		c.bad = true
	} else {
		c.expr = expr
	}
	e.compiled[w.ID] = c
	return c
}

// scope builds the flattened evaluation scope: event fields, payload.* one
// level deep, and client.* from the snapshot when a client is identifiable.
func (e *Engine) scope(ctx context.Context, ev *domain.Event) map[string]interface{} {
	scope := map[string]interface{}{
		"event.type":           ev.Type,
		"event.aggregate_type": ev.AggregateType,
		"event.aggregate_id":   ev.AggregateID,
	}
	for k, v := range ev.Payload {
		switch val := v.(type) {
		case string, bool, float64, int, int64:
			scope["payload."+k] = val
		}
	}

	clientID := clientIDOf(ev)
	if clientID != "" {
		snap, err := e.snaps.Get(ctx, ev.TenantID, clientID)
		if err != nil {
			e.logger.Printf("⚠️ Snapshot load failed for %s: %v", clientID, err)
		} else {
			snap.fields(scope)
		}
	}
	return scope
}

func clientIDOf(ev *domain.Event) string {
	if ev.AggregateType == domain.AggregateClient {
		return ev.AggregateID
	}
	return ev.Str("client_id")
}

// ============================================================================
// ACTION COMPILATION
// ============================================================================

// compileAction maps a matched trigger's action + params to one task enqueue.
// The idempotency key folds in the event id, so re-delivery of the same
// event cannot double-fire the action.
func (e *Engine) compileAction(w *domain.WorkflowTrigger, ev *domain.Event, scope map[string]interface{}) (taskqueue.Request, error) {
	key := fmt.Sprintf("trigger:%s:%s", w.ID, ev.ID)
	clientID := clientIDOf(ev)
	base := map[string]interface{}{
		"client_id":  clientID,
		"trigger_id": w.ID,
		"event_type": ev.Type,
	}
	for k, v := range w.Params {
		base[k] = v
	}

	req := taskqueue.Request{
		TenantID:       ev.TenantID,
		Payload:        base,
		IdempotencyKey: key,
	}

	switch w.Action {
	case domain.ActionSendEmail:
		req.Type = domain.TaskSendEmail
	case domain.ActionSendSMS:
		req.Type = domain.TaskSendSMS
	case domain.ActionCreateTask:
		tt := domain.TaskType(w.Params["type"])
		if !tt.Valid() {
			return req, fmt.Errorf("create_task: unknown task type %q", w.Params["type"])
		}
		req.Type = tt
		if d, err := time.ParseDuration(w.Params["delay"]); err == nil && d > 0 {
			req.RunAt = e.clock.Now().Add(d)
		}
	case domain.ActionUpdateStatus:
		round, err := strconv.Atoi(w.Params["round"])
		if err != nil || round < 1 || round > domain.MaxRound {
			return req, fmt.Errorf("update_status: bad round %q", w.Params["round"])
		}
		req.Type = domain.TaskAdvanceRound
		base["round"] = round
	case domain.ActionAssignStaff, domain.ActionAddNote:
		// Staff workspace actions surface as a push to the staff console;
		// the console owns the assignment/note itself.
		req.Type = domain.TaskSendPush
		base["template"] = string(w.Action)
	case domain.ActionScheduleFollowup:
		req.Type = domain.TaskSendReminder
		d, err := time.ParseDuration(w.Params["after"])
		if err != nil || d <= 0 {
			return req, fmt.Errorf("schedule_followup: bad after %q", w.Params["after"])
		}
		req.RunAt = e.clock.Now().Add(d)
	case domain.ActionGenerateDocument:
		if clientID == "" {
			return req, fmt.Errorf("generate_document: no client on event %s", ev.Type)
		}
		req.Type = domain.TaskGenerateLetterAI
		if round, ok := scope["client.round"].(int); ok {
			base["round"] = round
		}
	default:
		return req, fmt.Errorf("unknown action %q", w.Action)
	}
	return req, nil
}
