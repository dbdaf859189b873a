package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DeadLetterAge is how long a job sits in the dead-letter queue before
	// ProcessDeadLetterQueue will touch it.
	DeadLetterAge = 24 * time.Hour

	DefaultDeadLetterBatch = 100

	// RecurrenceKey is the payload field carrying a recurring job's interval.
	RecurrenceKey = "_recurring_interval_ms"
)

// BatchRunner runs one bounded processing pass over the queue.
type BatchRunner interface {
	ProcessJobs(ctx context.Context, batchSize int, workerID string, maxRuntime time.Duration) (ProcessResult, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// Schedule validates the request, resolves defaults and inserts a pending job.
// Handler registration is not checked here.
func (s *Service) Schedule(ctx context.Context, name string, payload json.RawMessage, opts Options) (string, error) {
	j, err := s.build(name, payload, opts)
	if err != nil {
		return "", err
	}

	if err := s.repo.Insert(ctx, j); err != nil {
		s.logger.ErrorContext(ctx, "failed to insert job", "name", name, "error", err)
		return "", err
	}

	s.logger.InfoContext(ctx, "job scheduled",
		"job_id", j.ID, "name", j.Name, "tenant_id", j.TenantID, "priority", j.Priority, "scheduled_at", j.ScheduledAt)
	return j.ID, nil
}

// ScheduleRecurring schedules a job whose payload carries an interval marker.
// After each completion the recurrence consumer enqueues the next occurrence.
func (s *Service) ScheduleRecurring(ctx context.Context, name string, payload json.RawMessage, interval time.Duration, opts Options) (string, error) {
	if interval < time.Millisecond {
		return "", fmt.Errorf("%w: interval must be at least 1ms", ErrValidation)
	}
	marked, err := WithRecurrence(payload, interval)
	if err != nil {
		return "", err
	}
	return s.Schedule(ctx, name, marked, opts)
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// ListDeadLetter returns one page of dead-lettered jobs and the total count.
func (s *Service) ListDeadLetter(ctx context.Context, limit, offset int) ([]Job, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.repo.ListDeadLetter(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountDeadLetter(ctx)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ProcessDeadLetterQueue requeues or deletes dead letters older than DeadLetterAge.
func (s *Service) ProcessDeadLetterQueue(ctx context.Context, opts DeadLetterOptions) (DeadLetterResult, error) {
	var res DeadLetterResult
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultDeadLetterBatch
	}
	cutoff := s.now().Add(-DeadLetterAge)

	if opts.ManualRetry {
		n, err := s.repo.RequeueDeadLetters(ctx, cutoff, batch)
		if err != nil {
			return res, err
		}
		res.Requeued = n
	} else {
		n, err := s.repo.PurgeDeadLetters(ctx, cutoff, batch)
		if err != nil {
			return res, err
		}
		res.Deleted = n
	}

	s.logger.InfoContext(ctx, "processed dead-letter queue",
		"manual_retry", opts.ManualRetry, "batch_size", batch, "requeued", res.Requeued, "deleted", res.Deleted)
	return res, nil
}

func (s *Service) build(name string, payload json.RawMessage, opts Options) (*Job, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}

	priority := DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, fmt.Errorf("%w: priority %d outside %d..%d", ErrValidation, priority, MinPriority, MaxPriority)
	}

	policy := opts.RetryPolicy.Merge(DefaultRetryPolicy())
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	timeout := DefaultTimeoutMS
	if opts.TimeoutMS != nil {
		timeout = *opts.TimeoutMS
	}
	if timeout < 1 {
		return nil, fmt.Errorf("%w: timeout_ms must be positive", ErrValidation)
	}

	scheduledAt := s.now()
	if opts.ScheduledAt != nil && !opts.ScheduledAt.IsZero() {
		scheduledAt = *opts.ScheduledAt
	}

	return &Job{
		Name:                   name,
		Payload:                payload,
		TenantID:               opts.TenantID,
		Priority:               priority,
		Status:                 StatusPending,
		ScheduledAt:            scheduledAt,
		MaxRetries:             policy.MaxRetries,
		RetryDelayMS:           policy.BaseDelayMS,
		RetryBackoffMultiplier: policy.BackoffMultiplier,
		RetryMaxDelayMS:        policy.MaxDelayMS,
		RetryJitter:            policy.Jitter,
		TimeoutMS:              timeout,
	}, nil
}

func validatePolicy(p RetryPolicy) error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", ErrValidation)
	case p.BaseDelayMS < 1:
		return fmt.Errorf("%w: base_delay_ms must be positive", ErrValidation)
	case p.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff_multiplier must be at least 1", ErrValidation)
	case p.MaxDelayMS < 0:
		return fmt.Errorf("%w: max_delay_ms must not be negative", ErrValidation)
	}
	return nil
}

// WithRecurrence stamps the interval marker onto an object payload.
func WithRecurrence(payload json.RawMessage, interval time.Duration) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
			return nil, fmt.Errorf("%w: recurring payload must be a JSON object", ErrValidation)
		}
	}
	fields[RecurrenceKey] = json.RawMessage(fmt.Sprintf("%d", interval.Milliseconds()))
	return json.Marshal(fields)
}

// RecurrenceInterval reads the interval marker; ok is false for one-off jobs.
func RecurrenceInterval(payload json.RawMessage) (time.Duration, bool) {
	var marker map[string]json.RawMessage
	if err := json.Unmarshal(payload, &marker); err != nil {
		return 0, false
	}
	raw, found := marker[RecurrenceKey]
	if !found {
		return 0, false
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
