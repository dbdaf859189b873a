package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nsqio/go-nsq"
	"golang.org/x/sync/errgroup"

	"jobq/features/job"
	"jobq/features/stats"
	"jobq/internal/builtin"
	"jobq/internal/config"
	"jobq/internal/middleware"
	"jobq/internal/registry"
	"jobq/internal/retry"
	"jobq/internal/worker"
)

// Options lets the embedding program supply its own handlers.
type Options struct {
	// Registry holds the business handlers. Built-in handlers are added to it.
	Registry *registry.Registry
	// Retry overrides the backoff calculator, mainly for deterministic tests.
	Retry *retry.Calculator
}

type App struct {
	Handler            http.Handler
	JobService         *job.Service
	Registry           *registry.Registry
	Processor          *worker.Processor
	Runner             *worker.Runner
	RecurrenceConsumer *worker.RecurrenceConsumer

	cfg    *config.Config
	logger *slog.Logger
}

// New wires the job engine. pub may be nil, in which case lifecycle events
// are not emitted and recurring jobs do not reschedule.
func New(
	cfg *config.Config,
	db *sql.DB,
	pub worker.EventPublisher,
	logger *slog.Logger,
	opts *Options,
) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, logger)

	if err := builtin.Register(reg, jobService, logger); err != nil {
		return nil, fmt.Errorf("failed to register built-in handlers: %w", err)
	}

	// Worker
	executor := worker.NewExecutor(reg, jobRepo, opts.Retry, pub, logger)
	processor := worker.NewProcessor(jobRepo, executor, logger)

	var runner *worker.Runner
	if cfg.EnableWorker {
		runner = worker.NewRunner(processor, jobRepo, worker.RunnerConfig{
			WorkerID:        cfg.WorkerID,
			BatchSize:       cfg.WorkerBatchSize,
			MaxRuntime:      cfg.WorkerMaxRuntime(),
			PollInterval:    cfg.WorkerPollInterval(),
			ReapInterval:    cfg.ReapInterval(),
			StaleClaimGrace: cfg.StaleClaimGrace(),
		}, logger)
	}

	jobHandler := job.NewHandler(jobService, processor, cfg.WorkerID)

	// Feature: Stats
	statsService := stats.NewService(jobRepo)
	statsHandler := stats.NewHandler(statsService, time.Duration(cfg.StatsStreamIntervalSeconds)*time.Second)

	limiter := middleware.NewTenantLimiter(cfg.EnqueueRatePerSecond, cfg.EnqueueBurst)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Tenant-ID, X-Correlation-ID")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	// The limiter sits inside CORS so preflights never spend a tenant's budget.
	limited := func(next http.HandlerFunc) http.HandlerFunc {
		return limiter.Middleware(next).ServeHTTP
	}
	preflight := middleware.CorrelationID(enableCORS(func(http.ResponseWriter, *http.Request) {}))

	mux.Handle("OPTIONS /jobs", preflight)
	mux.Handle("OPTIONS /jobs/", preflight)
	mux.Handle("OPTIONS /stats", preflight)

	mux.Handle("POST /jobs", middleware.CorrelationID(enableCORS(limited(jobHandler.Enqueue))))
	mux.Handle("POST /jobs/recurring", middleware.CorrelationID(enableCORS(limited(jobHandler.EnqueueRecurring))))
	mux.Handle("POST /jobs/process", middleware.CorrelationID(enableCORS(jobHandler.Process)))
	mux.Handle("GET /jobs/dead-letter", middleware.CorrelationID(enableCORS(jobHandler.ListDeadLetter)))
	mux.Handle("POST /jobs/dead-letter", middleware.CorrelationID(enableCORS(jobHandler.ProcessDeadLetter)))
	mux.Handle("GET /jobs/{id}", middleware.CorrelationID(enableCORS(jobHandler.Get)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))
	mux.Handle("GET /stats/stream", middleware.CorrelationID(http.HandlerFunc(statsHandler.Stream)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:            mux,
		JobService:         jobService,
		Registry:           reg,
		Processor:          processor,
		Runner:             runner,
		RecurrenceConsumer: worker.NewRecurrenceConsumer(jobService, logger),
		cfg:                cfg,
		logger:             logger,
	}, nil
}

// Run serves HTTP, drives the worker, and consumes completion events, each
// only when enabled in config. It returns once ctx is cancelled and all of
// them have stopped.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.EnableAPI {
		g.Go(func() error { return a.serve(ctx) })
	}
	if a.Runner != nil {
		g.Go(func() error { return a.Runner.Run(ctx) })
	}
	if a.cfg.EnableEvents {
		g.Go(func() error { return a.consume(ctx) })
	}

	return g.Wait()
}

func (a *App) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		a.logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
	}()

	a.logger.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) consume(ctx context.Context) error {
	consumer, err := nsq.NewConsumer(config.TopicJobCompleted, config.ChannelRecurrence, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("failed to create NSQ consumer: %w", err)
	}
	consumer.AddHandler(a.RecurrenceConsumer)

	if a.cfg.NSQLookupd != "" {
		err = consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd)
	} else {
		err = consumer.ConnectToNSQD(a.cfg.NSQDHost)
	}
	if err != nil {
		consumer.Stop()
		return fmt.Errorf("failed to connect NSQ consumer: %w", err)
	}
	a.logger.Info("NSQ recurrence consumer connected", "topic", config.TopicJobCompleted, "channel", config.ChannelRecurrence)

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return nil
}
