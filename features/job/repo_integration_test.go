package job_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobq/features/job"
	"jobq/internal/testutils"
)

func newIntegrationJob(name string, priority int, scheduledAt time.Time, maxRetries int) *job.Job {
	return &job.Job{
		Name:                   name,
		Payload:                json.RawMessage(`{"n":1}`),
		Priority:               priority,
		Status:                 job.StatusPending,
		ScheduledAt:            scheduledAt,
		MaxRetries:             maxRetries,
		RetryDelayMS:           1000,
		RetryBackoffMultiplier: 2,
		RetryMaxDelayMS:        30000,
		RetryJitter:            true,
		TimeoutMS:              30000,
	}
}

func TestJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := job.NewPostgresRepo(s.DB)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	// 1. Insert and read back
	low := newIntegrationJob("report", 1, past, 1)
	low.TenantID = "acme"
	require.NoError(t, repo.Insert(ctx, low))
	require.NotEmpty(t, low.ID)

	high := newIntegrationJob("report", 9, past, 1)
	require.NoError(t, repo.Insert(ctx, high))
	future := newIntegrationJob("report", 10, time.Now().Add(time.Hour), 1)
	require.NoError(t, repo.Insert(ctx, future))

	got, err := repo.Get(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.Equal(t, job.StatusPending, got.Status)

	// 2. Claim respects priority and scheduled_at
	claimed, err := repo.Claim(ctx, 10, "worker-a")
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, high.ID, claimed[0].ID)
	assert.Equal(t, low.ID, claimed[1].ID)
	assert.Equal(t, job.StatusRunning, claimed[0].Status)
	assert.NotNil(t, claimed[0].StartedAt)
	assert.Equal(t, "worker-a", claimed[0].ClaimedBy)

	again, err := repo.Claim(ctx, 10, "worker-b")
	require.NoError(t, err)
	assert.Empty(t, again, "running jobs cannot be claimed twice")

	// 3. Transitions are guarded by status
	require.NoError(t, repo.Complete(ctx, high.ID, "worker-a"))
	assert.ErrorIs(t, repo.Complete(ctx, high.ID, "worker-a"), job.ErrClaimLost)

	next := time.Now().Add(-time.Second)
	require.NoError(t, repo.ScheduleRetry(ctx, low.ID, "worker-a", next, "smtp timeout"))
	got, err = repo.Get(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, "smtp timeout", got.ErrorMessage)

	// Retry budget exhausted: the guard refuses another retry.
	claimed, err = repo.Claim(ctx, 10, "worker-a")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.ErrorIs(t, repo.ScheduleRetry(ctx, low.ID, "worker-a", next, "again"), job.ErrClaimLost)
	require.NoError(t, repo.DeadLetter(ctx, low.ID, "worker-a", job.DefaultMaxRetriesExceeded))

	// 4. Dead-letter listing and aged requeue
	dl, err := repo.ListDeadLetter(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	total, err := repo.CountDeadLetter(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	n, err := repo.RequeueDeadLetters(ctx, time.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh dead letters are not requeued")

	_, err = s.DB.ExecContext(ctx, `UPDATE jobs SET updated_at = NOW() - INTERVAL '2 days' WHERE id = $1`, low.ID)
	require.NoError(t, err)
	n, err = repo.RequeueDeadLetters(ctx, time.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = repo.Get(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)

	// 5. Stats
	stats, err := repo.Stats(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.GreaterOrEqual(t, stats.AvgDurationMS, 0.0)
}

func TestJobRepo_Integration_ReapStale(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := job.NewPostgresRepo(s.DB)
	ctx := context.Background()

	retryable := newIntegrationJob("crash", 5, time.Now().Add(-time.Minute), 2)
	retryable.TimeoutMS = 10
	require.NoError(t, repo.Insert(ctx, retryable))
	exhausted := newIntegrationJob("crash", 5, time.Now().Add(-time.Minute), 0)
	exhausted.TimeoutMS = 10
	require.NoError(t, repo.Insert(ctx, exhausted))

	_, err := repo.Claim(ctx, 10, "dead-worker")
	require.NoError(t, err)
	_, err = s.DB.ExecContext(ctx, `UPDATE jobs SET started_at = NOW() - INTERVAL '1 hour'`)
	require.NoError(t, err)

	n, err := repo.ReapStale(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := repo.Get(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ClaimedBy)

	got, err = repo.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDeadLetter, got.Status)

	// failed jobs are claimable again
	claimed, err := repo.Claim(ctx, 10, "worker-b")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, retryable.ID, claimed[0].ID)

	// The reaped worker's late result must not overwrite worker-b's run.
	assert.ErrorIs(t, repo.Complete(ctx, retryable.ID, "dead-worker"), job.ErrClaimLost)
	assert.ErrorIs(t, repo.DeadLetter(ctx, retryable.ID, "dead-worker", "late"), job.ErrClaimLost)
	got, err = repo.Get(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
	assert.Equal(t, "worker-b", got.ClaimedBy)
	require.NoError(t, repo.Complete(ctx, retryable.ID, "worker-b"))
}

func TestJobRepo_Integration_ConcurrentClaims(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := job.NewPostgresRepo(s.DB)
	ctx := context.Background()

	const total = 60
	for range total {
		require.NoError(t, repo.Insert(ctx, newIntegrationJob("fanout", 5, time.Now().Add(-time.Second), 0)))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := repo.Claim(ctx, 4, "w"+string(rune('0'+w)))
				if !assert.NoError(t, err) || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}
