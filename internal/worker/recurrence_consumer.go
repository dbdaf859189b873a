package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"jobq/features/job"
	"jobq/internal/middleware"
)

// RecurrenceConsumer listens to completion events and enqueues the next
// occurrence of jobs that carry a recurrence interval.
type RecurrenceConsumer struct {
	scheduler Scheduler
	logger    *slog.Logger
}

func NewRecurrenceConsumer(s Scheduler, logger *slog.Logger) *RecurrenceConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecurrenceConsumer{scheduler: s, logger: logger}
}

func (c *RecurrenceConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	ctx := middleware.WithCorrelationID(context.Background(), uuid.New().String())

	var ev JobEvent
	if err := json.Unmarshal(m.Body, &ev); err != nil {
		// Redelivery cannot fix a malformed body.
		c.logger.ErrorContext(ctx, "dropping malformed job event", "error", err)
		return nil
	}
	if ev.Status != job.StatusCompleted {
		return nil
	}

	interval, ok := job.RecurrenceInterval(ev.Payload)
	if !ok {
		return nil
	}

	next := ev.OccurredAt.Add(interval)
	priority := ev.Priority
	timeout := ev.TimeoutMS
	policy := ev.RetryPolicy
	opts := job.Options{
		TenantID:    ev.TenantID,
		Priority:    &priority,
		ScheduledAt: &next,
		TimeoutMS:   &timeout,
		RetryPolicy: &job.RetryPolicyOptions{
			MaxRetries:        &policy.MaxRetries,
			BaseDelayMS:       &policy.BaseDelayMS,
			BackoffMultiplier: &policy.BackoffMultiplier,
			MaxDelayMS:        &policy.MaxDelayMS,
			Jitter:            &policy.Jitter,
		},
	}

	id, err := c.scheduler.Schedule(ctx, ev.Name, ev.Payload, opts)
	if errors.Is(err, job.ErrValidation) {
		c.logger.ErrorContext(ctx, "dropping recurrence with invalid parameters", "name", ev.Name, "error", err)
		return nil
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to schedule next occurrence", "name", ev.Name, "previous_job_id", ev.JobID, "error", err)
		return err
	}

	c.logger.InfoContext(ctx, "scheduled next occurrence",
		"name", ev.Name, "previous_job_id", ev.JobID, "job_id", id, "scheduled_at", next)
	return nil
}
