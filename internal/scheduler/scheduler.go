// Package scheduler materializes time into work. It ticks once a minute,
// turning due schedules and due deadlines into queue tasks, reaping expired
// leases and pruning the event log. All actual effects run through the task
// queue; the scheduler itself only enqueues.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/disputeworks/core/internal/clock"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/store"
	"github.com/disputeworks/core/internal/taskqueue"
)

const (
	tickInterval  = time.Minute
	sweepLimit    = 500
	pruneInterval = 24 * time.Hour
)

// cronParser accepts standard five-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler is the background timer loop.
type Scheduler struct {
	gw       *store.Gateway
	queue    *taskqueue.Queue
	clock    clock.Clock
	retain   time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *log.Logger
	lastPrune time.Time
}

// New builds a scheduler. retentionDays bounds the event log prune.
func New(gw *store.Gateway, queue *taskqueue.Queue, clk clock.Clock, retentionDays int) *Scheduler {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	return &Scheduler{
		gw:     gw,
		queue:  queue,
		clock:  clk,
		retain: time.Duration(retentionDays) * 24 * time.Hour,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Printf("🚀 Starting scheduler (tick=%s)", tickInterval)
	go s.run(ctx)
}

// Stop signals the loop and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.logger.Println("✅ Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one sweep. Each phase is independent; a failing phase logs and
// does not block the others.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	if err := s.fireSchedules(ctx, now); err != nil {
		s.logger.Printf("⚠️ Schedule sweep: %v", err)
	}
	if err := s.sweepDeadlines(ctx, now); err != nil {
		s.logger.Printf("⚠️ Deadline sweep: %v", err)
	}
	if n, err := s.gw.ReapExpiredLeases(ctx); err != nil {
		s.logger.Printf("⚠️ Lease reap: %v", err)
	} else if n > 0 {
		s.logger.Printf("Reaped %d expired leases", n)
	}
	if now.Sub(s.lastPrune) >= pruneInterval {
		if n, err := s.gw.PruneEvents(ctx, now.Add(-s.retain)); err != nil {
			s.logger.Printf("⚠️ Event prune: %v", err)
		} else if n > 0 {
			s.logger.Printf("Pruned %d events past retention", n)
		}
		s.lastPrune = now
	}
}

// fireSchedules enqueues a task per due schedule and advances next_fire_at.
// The idempotency key pins the task to the fire instant, so a crashed tick
// re-running cannot double-enqueue, and a schedule that slept through several
// fire times catches up with exactly one task.
func (s *Scheduler) fireSchedules(ctx context.Context, now time.Time) error {
	due, err := s.gw.DueSchedules(ctx, now, sweepLimit)
	if err != nil {
		return err
	}

	for _, sched := range due {
		sched := sched
		err := s.gw.Run(ctx, func(tx *store.Tx) error {
			key := fmt.Sprintf("schedule:%s:%d", sched.ID, sched.NextFireAt.Unix())
			_, inserted, err := s.queue.EnqueueTx(ctx, tx, taskqueue.Request{
				TenantID:       sched.TenantID,
				Type:           sched.TaskType,
				Payload:        schedulePayload(sched),
				IdempotencyKey: key,
			})
			if err != nil {
				return err
			}
			if inserted {
				s.logger.Printf("Fired schedule %s (%s) → %s", sched.Name, sched.ID, sched.TaskType)
			}

			next, enabled, err := s.nextFire(sched, now)
			if err != nil {
				s.logger.Printf("⚠️ Schedule %s has bad cron %q, disabling: %v", sched.ID, sched.CronExpr, err)
				enabled = false
				next = now
			}
			return tx.AdvanceSchedule(ctx, sched.ID, next, enabled)
		})
		if err != nil {
			s.logger.Printf("⚠️ Firing schedule %s: %v", sched.ID, err)
		}
	}
	return nil
}

// nextFire computes the fire time after now in the business location.
// One-shots disable after firing.
func (s *Scheduler) nextFire(sched *domain.Schedule, now time.Time) (time.Time, bool, error) {
	if sched.CronExpr == "" {
		return now, false, nil
	}
	expr, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return time.Time{}, false, err
	}
	return expr.Next(now.In(s.clock.Location())), true, nil
}

// sweepDeadlines turns due deadlines into fire_deadline tasks. The task key
// is the deadline id and MarkDeadlineFired is a compare-and-set, so each
// deadline produces at most one delivered firing.
func (s *Scheduler) sweepDeadlines(ctx context.Context, now time.Time) error {
	due, err := s.gw.DueDeadlines(ctx, now, sweepLimit)
	if err != nil {
		return err
	}

	for _, d := range due {
		d := d
		err := s.gw.Run(ctx, func(tx *store.Tx) error {
			_, _, err := s.queue.EnqueueTx(ctx, tx, taskqueue.Request{
				TenantID: d.TenantID,
				Type:     domain.TaskFireDeadline,
				Payload: map[string]interface{}{
					"deadline_id": d.ID,
					"client_id":   d.ClientID,
					"kind":        string(d.Kind),
				},
				IdempotencyKey: "deadline:" + d.ID,
			})
			return err
		})
		if err != nil {
			s.logger.Printf("⚠️ Enqueue deadline %s: %v", d.ID, err)
		}
	}
	return nil
}

func schedulePayload(sched *domain.Schedule) map[string]interface{} {
	out := map[string]interface{}{"schedule_id": sched.ID}
	if len(sched.Payload) > 0 {
		var extra map[string]interface{}
		if err := jsonUnmarshal(sched.Payload, &extra); err == nil {
			for k, v := range extra {
				out[k] = v
			}
		}
	}
	return out
}
