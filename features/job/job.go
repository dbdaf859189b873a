package job

import (
	"encoding/json"
	"time"

	"jobq/internal/retry"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Defaults applied when an enqueue request leaves a field unset.
const (
	DefaultPriority          = 5
	MinPriority              = 0
	MaxPriority              = 10
	DefaultMaxRetries        = 3
	DefaultBaseDelayMS       = 1000
	DefaultBackoffMultiplier = 2.0
	DefaultMaxDelayMS        = 30000
	DefaultTimeoutMS         = 30000

	DefaultMaxRetriesExceeded = "Max retries exceeded"
)

type Job struct {
	ID                     string          `json:"id"`
	Name                   string          `json:"name"`
	Payload                json.RawMessage `json:"payload"`
	TenantID               string          `json:"tenant_id,omitempty"`
	Priority               int             `json:"priority"`
	Status                 Status          `json:"status"`
	ScheduledAt            time.Time       `json:"scheduled_at"`
	StartedAt              *time.Time      `json:"started_at,omitempty"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	RetryCount             int             `json:"retry_count"`
	MaxRetries             int             `json:"max_retries"`
	RetryDelayMS           int             `json:"retry_delay_ms"`
	RetryBackoffMultiplier float64         `json:"retry_backoff_multiplier"`
	RetryMaxDelayMS        int             `json:"retry_max_delay_ms"`
	RetryJitter            bool            `json:"retry_jitter"`
	TimeoutMS              int             `json:"timeout_ms"`
	ErrorMessage           string          `json:"error_message,omitempty"`
	ClaimedBy              string          `json:"claimed_by,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Timeout is the per-attempt execution deadline.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// Backoff returns the retry schedule stored on the job at creation.
func (j *Job) Backoff() retry.Policy {
	return retry.Policy{
		BaseDelay:  time.Duration(j.RetryDelayMS) * time.Millisecond,
		Multiplier: j.RetryBackoffMultiplier,
		MaxDelay:   time.Duration(j.RetryMaxDelayMS) * time.Millisecond,
		Jitter:     j.RetryJitter,
	}
}

// CanRetry reports whether another attempt fits in the retry budget.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// RetryPolicy is the fully resolved policy denormalized onto a job.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	BaseDelayMS       int     `json:"base_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelayMS        int     `json:"max_delay_ms"`
	Jitter            bool    `json:"jitter"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        DefaultMaxRetries,
		BaseDelayMS:       DefaultBaseDelayMS,
		BackoffMultiplier: DefaultBackoffMultiplier,
		MaxDelayMS:        DefaultMaxDelayMS,
		Jitter:            true,
	}
}

// RetryPolicyOptions holds caller overrides. Nil fields keep the default.
type RetryPolicyOptions struct {
	MaxRetries        *int     `json:"max_retries,omitempty"`
	BaseDelayMS       *int     `json:"base_delay_ms,omitempty"`
	BackoffMultiplier *float64 `json:"backoff_multiplier,omitempty"`
	MaxDelayMS        *int     `json:"max_delay_ms,omitempty"`
	Jitter            *bool    `json:"jitter,omitempty"`
}

// Merge returns base with every non-nil override applied.
func (o *RetryPolicyOptions) Merge(base RetryPolicy) RetryPolicy {
	if o == nil {
		return base
	}
	if o.MaxRetries != nil {
		base.MaxRetries = *o.MaxRetries
	}
	if o.BaseDelayMS != nil {
		base.BaseDelayMS = *o.BaseDelayMS
	}
	if o.BackoffMultiplier != nil {
		base.BackoffMultiplier = *o.BackoffMultiplier
	}
	if o.MaxDelayMS != nil {
		base.MaxDelayMS = *o.MaxDelayMS
	}
	if o.Jitter != nil {
		base.Jitter = *o.Jitter
	}
	return base
}

// Options are the optional enqueue parameters.
type Options struct {
	TenantID    string              `json:"tenant_id,omitempty"`
	Priority    *int                `json:"priority,omitempty"`
	ScheduledAt *time.Time          `json:"scheduled_at,omitempty"`
	RetryPolicy *RetryPolicyOptions `json:"retry_policy,omitempty"`
	TimeoutMS   *int                `json:"timeout_ms,omitempty"`
}

// ProcessResult aggregates the outcomes of one processing invocation.
type ProcessResult struct {
	Processed  int `json:"processed"`
	Errors     int `json:"errors"`
	DeadLetter int `json:"dead_letter"`
}

type DeadLetterOptions struct {
	ManualRetry bool
	BatchSize   int
}

type DeadLetterResult struct {
	Requeued int `json:"requeued"`
	Deleted  int `json:"deleted"`
}

type Stats struct {
	Pending       int     `json:"pending"`
	Running       int     `json:"running"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	DeadLetter    int     `json:"dead_letter"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}
