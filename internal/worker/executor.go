// Package worker claims due jobs from the store and runs them through their
// registered handlers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jobq/features/job"
	"jobq/internal/config"
	"jobq/internal/logger"
	"jobq/internal/registry"
	"jobq/internal/retry"
)

// ErrTimeout is the failure recorded when a handler outlives timeout_ms.
var ErrTimeout = errors.New("timeout")

// Outcome is the state a single execution left the job in.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetried
	OutcomeDeadLettered
	// OutcomeTransitionFailed means the handler ran but the state change was
	// not recorded; the stale-claim reaper will recover the job.
	OutcomeTransitionFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetried:
		return "retried"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeTransitionFailed:
		return "transition_failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type Executor struct {
	registry  *registry.Registry
	store     JobStore
	retry     *retry.Calculator
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor builds an executor. publisher may be nil to disable lifecycle events.
func NewExecutor(reg *registry.Registry, store JobStore, calc *retry.Calculator, pub EventPublisher, logger *slog.Logger) *Executor {
	if calc == nil {
		calc = retry.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:  reg,
		store:     store,
		retry:     calc,
		publisher: pub,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute runs one claimed job and records the result.
func (e *Executor) Execute(ctx context.Context, j *job.Job) Outcome {
	ctx = logger.WithJobID(ctx, j.ID)
	start := e.now()

	res := e.invoke(ctx, j)

	// Record the outcome even if the caller is shutting down.
	tctx := context.WithoutCancel(ctx)
	reason := res.Reason()

	switch {
	case res.Success():
		if err := e.store.Complete(tctx, j.ID, j.ClaimedBy); err != nil {
			return e.transitionFailed(tctx, j, "complete", err)
		}
		e.logger.InfoContext(ctx, "job completed", "name", j.Name, "duration", e.now().Sub(start))
		e.publish(tctx, config.TopicJobCompleted, newJobEvent(j, job.StatusCompleted, "", e.now()))
		return OutcomeCompleted

	case res.Retryable() && j.CanRetry():
		next := e.retry.NextRetry(j.Backoff(), j.RetryCount)
		if err := e.store.ScheduleRetry(tctx, j.ID, j.ClaimedBy, next, reason); err != nil {
			return e.transitionFailed(tctx, j, "schedule retry", err)
		}
		e.logger.WarnContext(ctx, "job failed, retry scheduled",
			"name", j.Name, "attempt", j.RetryCount+1, "max_retries", j.MaxRetries, "next_retry", next, "error", reason)
		return OutcomeRetried

	default:
		if reason == "" {
			reason = job.DefaultMaxRetriesExceeded
		}
		if err := e.store.DeadLetter(tctx, j.ID, j.ClaimedBy, reason); err != nil {
			return e.transitionFailed(tctx, j, "dead-letter", err)
		}
		e.logger.WarnContext(ctx, "job moved to dead-letter queue",
			"name", j.Name, "retry_count", j.RetryCount, "outcome", res.Outcome.String(), "error", reason)
		e.publish(tctx, config.TopicJobDeadLetter, newJobEvent(j, job.StatusDeadLetter, reason, e.now()))
		return OutcomeDeadLettered
	}
}

// invoke runs the handler under the job's deadline. Cancelling the caller
// does not cut a claimed job short: only timeout_ms bounds the handler, so a
// shutdown never spends a retry. A handler that ignores ctx keeps its
// goroutine; its late result is dropped.
func (e *Executor) invoke(ctx context.Context, j *job.Job) registry.Result {
	h, err := e.registry.Lookup(j.Name)
	if err != nil {
		return registry.Retry(err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.Timeout())
	defer cancel()

	done := make(chan registry.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.ErrorContext(ctx, "handler panicked", "name", j.Name, "panic", r)
				done <- registry.Retry(fmt.Errorf("panic: %v", r))
			}
		}()
		done <- h.Handle(ctx, j.Payload, registry.JobContext{
			JobID:      j.ID,
			TenantID:   j.TenantID,
			RetryCount: j.RetryCount,
		})
	}()

	select {
	case res := <-done:
		// A handler that gave up because of the deadline reports a timeout.
		if !res.Success() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return registry.Retry(ErrTimeout)
		}
		return res
	case <-ctx.Done():
		return registry.Retry(ErrTimeout)
	}
}

func (e *Executor) transitionFailed(ctx context.Context, j *job.Job, op string, err error) Outcome {
	if errors.Is(err, job.ErrClaimLost) {
		e.logger.WarnContext(ctx, "job state changed under this worker", "name", j.Name, "op", op, "error", err)
	} else {
		e.logger.ErrorContext(ctx, "failed to record job outcome", "name", j.Name, "op", op, "error", err)
	}
	return OutcomeTransitionFailed
}

func (e *Executor) publish(ctx context.Context, topic string, ev JobEvent) {
	if e.publisher == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to marshal job event", "topic", topic, "error", err)
		return
	}
	if err := e.publisher.Publish(topic, body); err != nil {
		e.logger.WarnContext(ctx, "failed to publish job event", "topic", topic, "error", err)
	}
}
