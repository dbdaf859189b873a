// Package builtin holds job handlers the engine ships with.
package builtin

import (
	"context"
	"fmt"
	"log/slog"

	"jobq/features/job"
	"jobq/internal/registry"
)

// DeadLetterPurge sweeps the dead-letter queue. Schedule it as a recurring
// job to age out quarantined work without an operator.
const DeadLetterPurge = "dead_letter.purge"

type DeadLetterProcessor interface {
	ProcessDeadLetterQueue(ctx context.Context, opts job.DeadLetterOptions) (job.DeadLetterResult, error)
}

type deadLetterPurgePayload struct {
	ManualRetry bool `json:"manual_retry"`
	BatchSize   int  `json:"batch_size"`
}

// Register adds every built-in handler to reg.
func Register(reg *registry.Registry, dl DeadLetterProcessor, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := reg.Register(DeadLetterPurge, purgeHandler(dl, logger)); err != nil {
		return fmt.Errorf("register %s: %w", DeadLetterPurge, err)
	}
	return nil
}

func purgeHandler(dl DeadLetterProcessor, logger *slog.Logger) registry.Handler {
	return registry.Typed(func(ctx context.Context, p deadLetterPurgePayload, jc registry.JobContext) error {
		res, err := dl.ProcessDeadLetterQueue(ctx, job.DeadLetterOptions{
			ManualRetry: p.ManualRetry,
			BatchSize:   p.BatchSize,
		})
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "dead-letter sweep finished",
			"job_id", jc.JobID, "requeued", res.Requeued, "deleted", res.Deleted)
		return nil
	})
}
