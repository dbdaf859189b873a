package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"jobq/features/job"
	"jobq/internal/logger"
)

const (
	DefaultBatchSize  = 10
	DefaultMaxRuntime = 30 * time.Second
)

// Processor claims and executes batches of due jobs.
type Processor struct {
	store    JobStore
	executor *Executor
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(store JobStore, exec *Executor, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, executor: exec, logger: logger, now: time.Now}
}

// ProcessJobs claims batches until the queue has nothing due, maxRuntime has
// elapsed, or ctx is done. A batch already claimed always runs to the end:
// cancelling ctx does not interrupt handlers, only their own timeout_ms does.
// A claim failure aborts the call and returns the counters gathered so far.
func (p *Processor) ProcessJobs(ctx context.Context, batchSize int, workerID string, maxRuntime time.Duration) (job.ProcessResult, error) {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if maxRuntime <= 0 {
		maxRuntime = DefaultMaxRuntime
	}
	ctx = logger.WithWorkerID(ctx, workerID)

	var res job.ProcessResult
	start := p.now()

	for p.now().Sub(start) < maxRuntime {
		if ctx.Err() != nil {
			break
		}

		jobs, err := p.store.Claim(ctx, batchSize, workerID)
		if err != nil {
			if !errors.Is(err, job.ErrPersistence) {
				err = fmt.Errorf("%w: claim batch: %w", job.ErrPersistence, err)
			}
			p.logger.ErrorContext(ctx, "failed to claim jobs", "error", err)
			return res, err
		}
		if len(jobs) == 0 {
			break
		}

		outcomes := make([]Outcome, len(jobs))
		var g errgroup.Group
		g.SetLimit(batchSize)
		for i := range jobs {
			g.Go(func() error {
				outcomes[i] = p.executor.Execute(ctx, &jobs[i])
				return nil
			})
		}
		_ = g.Wait()

		for _, o := range outcomes {
			tally(&res, o)
		}
		p.logger.DebugContext(ctx, "batch finished", "claimed", len(jobs), "processed", res.Processed, "errors", res.Errors)
	}

	if res.Processed+res.Errors > 0 {
		p.logger.InfoContext(ctx, "processing pass finished",
			"processed", res.Processed, "errors", res.Errors, "dead_letter", res.DeadLetter, "elapsed", p.now().Sub(start))
	}
	return res, nil
}

func tally(res *job.ProcessResult, o Outcome) {
	switch o {
	case OutcomeCompleted:
		res.Processed++
	case OutcomeRetried, OutcomeTransitionFailed:
		res.Errors++
	case OutcomeDeadLettered:
		res.Errors++
		res.DeadLetter++
	}
}
