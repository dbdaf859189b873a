package worker_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"jobq/features/job"
)

// memStore mirrors the guarded transitions of job.PostgresRepo in memory.
type memStore struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	order  []string
	seq    int
	claims map[string]int

	claimErr    error
	completeErr error
	lastLimit   int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*job.Job), claims: make(map[string]int)}
}

// add inserts a job with production defaults for any zero field.
func (s *memStore) add(j job.Job) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%03d", s.seq)
	}
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now().Add(-time.Minute)
	}
	if j.TimeoutMS == 0 {
		j.TimeoutMS = job.DefaultTimeoutMS
	}
	if j.RetryDelayMS == 0 {
		j.RetryDelayMS = job.DefaultBaseDelayMS
		j.RetryBackoffMultiplier = job.DefaultBackoffMultiplier
		j.RetryMaxDelayMS = job.DefaultMaxDelayMS
	}
	if len(j.Payload) == 0 {
		j.Payload = []byte(`{}`)
	}
	s.jobs[j.ID] = &j
	s.order = append(s.order, j.ID)
	return j.ID
}

func (s *memStore) get(id string) job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) setStatus(id string, st job.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = st
}

// makeDue pulls every pending retry forward so the next claim sees it.
func (s *memStore) makeDue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Status == job.StatusPending || j.Status == job.StatusFailed {
			j.ScheduledAt = time.Now().Add(-time.Millisecond)
		}
	}
}

func (s *memStore) claimCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[id]
}

func (s *memStore) Claim(ctx context.Context, limit int, workerID string) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	now := time.Now()
	var due []*job.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if (j.Status == job.StatusPending || j.Status == job.StatusFailed) && !j.ScheduledAt.After(now) {
			due = append(due, j)
		}
	}
	slices.SortStableFunc(due, func(a, b *job.Job) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]job.Job, 0, len(due))
	for _, j := range due {
		started := now
		j.Status = job.StatusRunning
		j.StartedAt = &started
		j.ClaimedBy = workerID
		s.claims[j.ID]++
		out = append(out, *j)
	}
	return out, nil
}

func (s *memStore) running(id, workerID, op string) (*job.Job, error) {
	j, ok := s.jobs[id]
	if !ok || j.Status != job.StatusRunning || j.ClaimedBy != workerID {
		return nil, fmt.Errorf("%w: %s", job.ErrClaimLost, op)
	}
	return j, nil
}

func (s *memStore) Complete(ctx context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	j, err := s.running(id, workerID, "complete job")
	if err != nil {
		return err
	}
	now := time.Now()
	j.Status = job.StatusCompleted
	j.CompletedAt = &now
	j.ErrorMessage = ""
	j.ClaimedBy = ""
	return nil
}

func (s *memStore) ScheduleRetry(ctx context.Context, id, workerID string, next time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.running(id, workerID, "schedule retry")
	if err != nil {
		return err
	}
	if j.RetryCount >= j.MaxRetries {
		return fmt.Errorf("%w: schedule retry", job.ErrClaimLost)
	}
	j.Status = job.StatusPending
	j.ScheduledAt = next
	j.RetryCount++
	j.ErrorMessage = reason
	j.StartedAt = nil
	j.ClaimedBy = ""
	return nil
}

func (s *memStore) DeadLetter(ctx context.Context, id, workerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.running(id, workerID, "dead-letter job")
	if err != nil {
		return err
	}
	now := time.Now()
	j.Status = job.StatusDeadLetter
	j.CompletedAt = &now
	j.ErrorMessage = reason
	j.ClaimedBy = ""
	return nil
}

func (s *memStore) ReapStale(ctx context.Context, grace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status != job.StatusRunning || j.StartedAt == nil {
			continue
		}
		if time.Since(*j.StartedAt) <= j.Timeout()+grace {
			continue
		}
		if j.RetryCount < j.MaxRetries {
			j.Status = job.StatusFailed
			j.RetryCount++
			j.StartedAt = nil
		} else {
			j.Status = job.StatusDeadLetter
		}
		j.ClaimedBy = ""
		n++
	}
	return n, nil
}

type recordedEvent struct {
	topic string
	body  []byte
}

type memPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (p *memPublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{topic: topic, body: body})
	return p.err
}

func (p *memPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.topic)
	}
	return out
}
