package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobq/features/job"
	"jobq/internal/worker"
)

func TestRunner_ProcessesUntilCancelled(t *testing.T) {
	store := newMemStore()
	p := newProcessor(okRegistry("ok"), store)
	r := worker.NewRunner(p, store, worker.RunnerConfig{
		WorkerID:     "runner-1",
		BatchSize:    5,
		MaxRuntime:   time.Second,
		PollInterval: 10 * time.Millisecond,
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	id := store.add(job.Job{Name: "ok"})
	require.Eventually(t, func() bool {
		return store.get(id).Status == job.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_ReapsStaleClaims(t *testing.T) {
	store := newMemStore()
	started := time.Now().Add(-time.Hour)
	retryable := store.add(job.Job{Name: "crashed", Status: job.StatusRunning, StartedAt: &started, MaxRetries: 3, TimeoutMS: 100})
	exhausted := store.add(job.Job{Name: "crashed", Status: job.StatusRunning, StartedAt: &started, MaxRetries: 0, TimeoutMS: 100})
	fresh := time.Now()
	active := store.add(job.Job{Name: "crashed", Status: job.StatusRunning, StartedAt: &fresh, MaxRetries: 3})

	p := newProcessor(okRegistry(), store)
	r := worker.NewRunner(p, store, worker.RunnerConfig{
		WorkerID:        "runner-1",
		PollInterval:    time.Hour,
		ReapInterval:    10 * time.Millisecond,
		StaleClaimGrace: time.Second,
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.get(retryable).Status == job.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, store.get(retryable).RetryCount)
	assert.Equal(t, job.StatusDeadLetter, store.get(exhausted).Status)
	assert.Equal(t, job.StatusRunning, store.get(active).Status)
}
