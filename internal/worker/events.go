package worker

import (
	"encoding/json"
	"time"

	"jobq/features/job"
)

// JobEvent is published to NSQ when a job reaches completed or dead_letter.
// It carries enough of the job to schedule its next occurrence.
type JobEvent struct {
	JobID      string          `json:"job_id"`
	Name       string          `json:"name"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Status     job.Status      `json:"status"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	Error      string          `json:"error,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`

	RetryPolicy job.RetryPolicy `json:"retry_policy"`
	TimeoutMS   int             `json:"timeout_ms"`
}

func newJobEvent(j *job.Job, status job.Status, reason string, at time.Time) JobEvent {
	return JobEvent{
		JobID:      j.ID,
		Name:       j.Name,
		TenantID:   j.TenantID,
		Status:     status,
		Priority:   j.Priority,
		Payload:    j.Payload,
		RetryCount: j.RetryCount,
		Error:      reason,
		WorkerID:   j.ClaimedBy,
		OccurredAt: at,
		RetryPolicy: job.RetryPolicy{
			MaxRetries:        j.MaxRetries,
			BaseDelayMS:       j.RetryDelayMS,
			BackoffMultiplier: j.RetryBackoffMultiplier,
			MaxDelayMS:        j.RetryMaxDelayMS,
			Jitter:            j.RetryJitter,
		},
		TimeoutMS: j.TimeoutMS,
	}
}
