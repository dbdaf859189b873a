package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

type RunnerConfig struct {
	WorkerID        string
	BatchSize       int
	MaxRuntime      time.Duration
	PollInterval    time.Duration
	ReapInterval    time.Duration
	StaleClaimGrace time.Duration
}

// Runner drives a Processor in-process: it polls for due jobs and
// periodically releases claims abandoned by crashed workers.
type Runner struct {
	processor *Processor
	store     JobStore
	cfg       RunnerConfig
	logger    *slog.Logger
}

func NewRunner(p *Processor, store JobStore, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{processor: p, store: store, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker starting",
		"worker_id", r.cfg.WorkerID, "batch_size", r.cfg.BatchSize, "poll_interval", r.cfg.PollInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.pollLoop(ctx)
		return nil
	})
	if r.cfg.ReapInterval > 0 {
		g.Go(func() error {
			r.reapLoop(ctx)
			return nil
		})
	}
	err := g.Wait()

	r.logger.Info("worker stopped", "worker_id", r.cfg.WorkerID)
	return err
}

func (r *Runner) pollLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		res, err := r.processor.ProcessJobs(ctx, r.cfg.BatchSize, r.cfg.WorkerID, r.cfg.MaxRuntime)
		if err != nil {
			r.logger.Error("processing pass failed", "error", err)
		}

		// A pass that found work may have left more behind.
		wait := r.cfg.PollInterval
		if err == nil && res.Processed+res.Errors > 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (r *Runner) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.ReapStale(ctx, r.cfg.StaleClaimGrace)
			if err != nil {
				r.logger.Error("failed to reap stale claims", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Warn("released stale job claims", "count", n)
			}
		}
	}
}
