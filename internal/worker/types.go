package worker

import (
	"context"
	"encoding/json"
	"time"

	"jobq/features/job"
)

// JobStore is the slice of the job repository the worker drives.
type JobStore interface {
	Claim(ctx context.Context, limit int, workerID string) ([]job.Job, error)
	Complete(ctx context.Context, id, workerID string) error
	ScheduleRetry(ctx context.Context, id, workerID string, next time.Time, reason string) error
	DeadLetter(ctx context.Context, id, workerID, reason string) error
	ReapStale(ctx context.Context, grace time.Duration) (int, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Scheduler enqueues follow-up jobs.
type Scheduler interface {
	Schedule(ctx context.Context, name string, payload json.RawMessage, opts job.Options) (string, error)
}
