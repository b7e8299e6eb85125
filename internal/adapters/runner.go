package adapters

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/disputeworks/core/internal/metrics"
)

// Per-attempt hard timeouts per adapter.
const (
	TimeoutDefault = 30 * time.Second
	TimeoutScraper = 180 * time.Second
	TimeoutAI      = 120 * time.Second
	TimeoutSFTP    = 300 * time.Second
)

// Number of in-call attempts before the error is returned to the task queue,
// which applies its own longer backoff budget.
const runnerAttempts = 3

// Runner wraps every adapter call with a per-attempt timeout, a short bounded
// retry on Transient failures, and a circuit breaker per (tenant, adapter).
type Runner struct {
	breakers *breakerSet
	logger   *log.Logger
}

// NewRunner builds the shared call runner.
func NewRunner() *Runner {
	return &Runner{
		breakers: newBreakerSet(),
		logger:   log.New(log.Writer(), "[ADAPTER] ", log.LstdFlags),
	}
}

// Call executes fn for the named adapter on behalf of a tenant. fn sees a
// context bounded by the per-attempt timeout and must classify its failures;
// unclassified errors count as Transient.
func (r *Runner) Call(ctx context.Context, tenantID, adapter string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = TimeoutDefault
	}
	br := r.breakers.get(tenantID + ":" + adapter)

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), runnerAttempts-1)

	var lastErr error
	attempt := func() error {
		now := time.Now()
		if err := br.allow(now); err != nil {
			lastErr = Transient(adapter, err)
			return backoff.Permanent(lastErr)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		err := fn(attemptCtx)
		metrics.AdapterDuration.WithLabelValues(adapter).Observe(time.Since(start).Seconds())

		if err == nil {
			br.record(time.Now(), true)
			metrics.AdapterCalls.WithLabelValues(adapter, "ok").Inc()
			return nil
		}

		// Deadline overrun is Transient by definition.
		if attemptCtx.Err() == context.DeadlineExceeded && ClassOf(err) == ClassTransient {
			err = Transient(adapter, err)
		}

		// Only Transient failures count against the breaker: a Permanent or
		// PolicyBlocked answer means the service is up and responding.
		class := ClassOf(err)
		br.record(time.Now(), class != ClassTransient)
		metrics.AdapterCalls.WithLabelValues(adapter, class.String()).Inc()
		lastErr = err

		if class != ClassTransient {
			return backoff.Permanent(err)
		}
		r.logger.Printf("⚠️ %s (%s): transient, will retry: %v", adapter, tenantID, err)
		return err
	}

	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		return lastErr
	}
	return nil
}
