package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobq/features/job"
	"jobq/internal/config"
	"jobq/internal/registry"
	"jobq/internal/testutils"
	"jobq/internal/worker"
)

func TestTopicRouting(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := testutils.NewIntegrationSuite(t).WithNSQ()
	s.Setup()
	defer s.Teardown()

	repo := job.NewPostgresRepo(s.DB)
	svc := job.NewService(repo, quietLogger())
	ctx := context.Background()

	// Consume lifecycle events straight from nsqd.
	completed := make(chan *nsq.Message, 10)
	deadLetters := make(chan *nsq.Message, 10)
	subscribe := func(topic string, out chan *nsq.Message) *nsq.Consumer {
		c, err := nsq.NewConsumer(topic, "it", nsq.NewConfig())
		require.NoError(t, err)
		c.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
			out <- m
			return nil
		}))
		require.NoError(t, c.ConnectToNSQD(s.NSQAddr))
		return c
	}
	cc := subscribe(config.TopicJobCompleted, completed)
	defer cc.Stop()
	dc := subscribe(config.TopicJobDeadLetter, deadLetters)
	defer dc.Stop()

	reg := registry.New()
	reg.MustRegister("report.build", registry.Func(func(ctx context.Context, p json.RawMessage, jc registry.JobContext) error {
		return nil
	}))
	reg.MustRegister("report.broken", registry.Func(func(ctx context.Context, p json.RawMessage, jc registry.JobContext) error {
		return registry.ErrNonRetryable
	}))

	recurringID, err := svc.ScheduleRecurring(ctx, "report.build", json.RawMessage(`{"report":"daily"}`), time.Hour, job.Options{TenantID: "acme"})
	require.NoError(t, err)
	_, err = svc.Schedule(ctx, "report.broken", nil, job.Options{})
	require.NoError(t, err)

	p := worker.NewProcessor(repo, newExecutor(reg, repo, s.NSQ), quietLogger())
	res, err := p.ProcessJobs(ctx, 10, "it-worker", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.DeadLetter)

	var ev worker.JobEvent
	select {
	case m := <-completed:
		require.NoError(t, json.Unmarshal(m.Body, &ev))
		assert.Equal(t, recurringID, ev.JobID)
		assert.Equal(t, job.StatusCompleted, ev.Status)

		// Feed the event to the recurrence consumer as NSQ would.
		rc := worker.NewRecurrenceConsumer(svc, quietLogger())
		require.NoError(t, rc.HandleMessage(m))
	case <-time.After(10 * time.Second):
		t.Fatal("no completion event received")
	}

	select {
	case m := <-deadLetters:
		var dl worker.JobEvent
		require.NoError(t, json.Unmarshal(m.Body, &dl))
		assert.Equal(t, "report.broken", dl.Name)
		assert.Equal(t, job.StatusDeadLetter, dl.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("no dead-letter event received")
	}

	// The next occurrence is an hour after completion, for the same tenant.
	var nextID string
	var scheduledAt time.Time
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, scheduled_at FROM jobs WHERE name = 'report.build' AND status = 'pending' AND tenant_id = 'acme'`).
		Scan(&nextID, &scheduledAt)
	require.NoError(t, err)
	assert.NotEqual(t, recurringID, nextID)
	assert.WithinDuration(t, ev.OccurredAt.Add(time.Hour), scheduledAt, time.Second)
}
