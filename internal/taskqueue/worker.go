package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/disputeworks/core/internal/adapters"
	"github.com/disputeworks/core/internal/domain"
	"github.com/disputeworks/core/internal/metrics"
	"github.com/disputeworks/core/internal/store"
)

// Handler executes one task attempt. Returning nil acknowledges the task;
// returning an error routes it through the retry/dead-letter policy by
// adapter error class.
type Handler func(ctx context.Context, task *domain.Task) error

// Registry maps task types to their handlers.
type Registry map[domain.TaskType]Handler

const (
	defaultLeaseTTL  = 5 * time.Minute
	defaultPollEvery = 2 * time.Second
	maxErrorLen      = 512
)

// Worker is the polling worker pool. Each goroutine leases one task at a
// time; the per-tenant concurrency cap is enforced by excluding saturated
// tenants from the lease query.
type Worker struct {
	gw        *store.Gateway
	queue     *Queue
	registry  Registry
	id        string
	size      int
	leaseTTL  time.Duration
	pollEvery time.Duration
	tenantCap int

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *log.Logger
}

// NewWorker builds a pool of size goroutines identified by workerID.
func NewWorker(gw *store.Gateway, queue *Queue, registry Registry, workerID string, size, tenantCap int) *Worker {
	if size <= 0 {
		size = 4
	}
	if tenantCap <= 0 {
		tenantCap = 8
	}
	return &Worker{
		gw:        gw,
		queue:     queue,
		registry:  registry,
		id:        workerID,
		size:      size,
		leaseTTL:  defaultLeaseTTL,
		pollEvery: defaultPollEvery,
		tenantCap: tenantCap,
		stopCh:    make(chan struct{}),
		logger:    log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// Start launches the pool.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Printf("🚀 Starting %d workers (id=%s, lease=%s)", w.size, w.id, w.leaseTTL)
	for i := 0; i < w.size; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

// Stop signals the pool and waits for in-flight attempts to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Println("✅ Workers stopped")
}

func (w *Worker) loop(ctx context.Context, n int) {
	defer w.wg.Done()
	slot := fmt.Sprintf("%s/%d", w.id, n)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.lease(ctx, slot)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				w.logger.Printf("⚠️ Lease failed (%s): %v", slot, err)
			}
			select {
			case <-time.After(w.pollEvery):
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		w.execute(ctx, task)
	}
}

func (w *Worker) lease(ctx context.Context, slot string) (*domain.Task, error) {
	counts, err := w.gw.RunningTasksPerTenant(ctx)
	if err != nil {
		return nil, err
	}
	var saturated []string
	for tenant, n := range counts {
		if n >= w.tenantCap {
			saturated = append(saturated, tenant)
		}
	}
	return w.gw.LeaseTask(ctx, slot, w.leaseTTL, saturated)
}

// execute runs one attempt with panic containment. A panicking handler is
// treated exactly like a returned error: classified and routed.
func (w *Worker) execute(ctx context.Context, task *domain.Task) {
	start := time.Now()
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		err = w.runHandler(ctx, task)
	}()

	metrics.TaskDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		w.fail(ctx, task, err)
		return
	}
	w.complete(ctx, task)
}

func (w *Worker) runHandler(ctx context.Context, task *domain.Task) error {
	if task.CancelRequested {
		return adapters.Cancelled(string(task.Type), errors.New("cancel requested before start"))
	}
	h, ok := w.registry[task.Type]
	if !ok {
		return adapters.Permanent(string(task.Type), errors.New("no handler registered"))
	}

	attemptCtx, cancel := context.WithDeadline(ctx, w.gw.Clock().Now().Add(w.leaseTTL))
	defer cancel()
	return h(attemptCtx, task)
}

func (w *Worker) complete(ctx context.Context, task *domain.Task) {
	err := w.gw.Run(ctx, func(tx *store.Tx) error {
		tk, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		tk.State = domain.TaskSucceeded
		tk.LastError = ""
		tk.LeaseWorker = ""
		tk.LeaseExpiresAt = nil
		return tx.UpdateTaskState(ctx, tk)
	})
	if err != nil {
		w.logger.Printf("❌ Ack failed for task %s: %v", task.ID, err)
		return
	}
	metrics.TasksProcessed.WithLabelValues(string(task.Type), "succeeded").Inc()
}

// fail routes a failed attempt: transient errors within budget go back on the
// queue with backoff; everything else dead-letters with a task.dead event.
func (w *Worker) fail(ctx context.Context, task *domain.Task, cause error) {
	class := adapters.ClassOf(cause)

	err := w.gw.Run(ctx, func(tx *store.Tx) error {
		tk, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		tk.LastError = truncate(cause.Error(), maxErrorLen)
		tk.LeaseWorker = ""
		tk.LeaseExpiresAt = nil

		retry := class == adapters.ClassTransient && tk.Attempt < tk.MaxAttempts
		if retry {
			delay := w.queue.RetryDelay(tk.Attempt)
			tk.State = domain.TaskFailed
			tk.RunAt = tx.Now().Add(delay)
			w.logger.Printf("⚠️ Task %s (%s) attempt %d/%d failed, retry in %s: %v",
				tk.ID, tk.Type, tk.Attempt, tk.MaxAttempts, delay.Round(time.Second), cause)
			return tx.UpdateTaskState(ctx, tk)
		}

		tk.State = domain.TaskDead
		if err := tx.UpdateTaskState(ctx, tk); err != nil {
			return err
		}
		tx.Emit(tk.TenantID, domain.AggregateTask, tk.ID, domain.EventTaskDead, map[string]interface{}{
			"type":    string(tk.Type),
			"attempt": tk.Attempt,
			"class":   class.String(),
			"error":   tk.LastError,
		})
		w.logger.Printf("❌ Task %s (%s) dead after attempt %d: %s: %v",
			tk.ID, tk.Type, tk.Attempt, class, cause)
		return nil
	})
	if err != nil {
		w.logger.Printf("❌ Fail-path write for task %s: %v", task.ID, err)
		return
	}

	if class == adapters.ClassTransient {
		metrics.TasksProcessed.WithLabelValues(string(task.Type), "retried").Inc()
	} else {
		metrics.TasksProcessed.WithLabelValues(string(task.Type), "dead").Inc()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
