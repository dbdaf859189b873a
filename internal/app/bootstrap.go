package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"

	"jobq/internal/config"
	"jobq/internal/worker"
)

type Dependencies struct {
	DB *sql.DB
	// NSQProducer is nil when events are disabled.
	NSQProducer *nsq.Producer
}

// Publisher returns the event publisher to hand to New, or nil when events
// are disabled.
func (d *Dependencies) Publisher() worker.EventPublisher {
	if d.NSQProducer == nil {
		return nil
	}
	return d.NSQProducer
}

func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	// Database
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	if err := PingWithRetry(ctx, db, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	if err := runMigrations(db, cfg.MigrationPath); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("migrations applied successfully")

	deps := &Dependencies{DB: db}
	if !cfg.EnableEvents {
		return deps, nil
	}

	// NSQ Producer
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	deps.NSQProducer = producer

	// Consumers looking up a topic via nsqlookupd get a 404 until it exists.
	if err := createTopics(ctx, cfg.NSQDHTTP, config.TopicJobCompleted, config.TopicJobDeadLetter); err != nil {
		slog.Warn("failed to pre-create NSQ topics", "error", err)
	}

	return deps, nil
}

// PingWithRetry pings db until it answers, making at most attempts tries
// spaced delay apart.
func PingWithRetry(ctx context.Context, db Pinger, attempts int, delay time.Duration) error {
	retries := uint64(0)
	if attempts > 1 {
		retries = uint64(attempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), retries), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return db.PingContext(ctx)
	}, policy, func(err error, next time.Duration) {
		slog.Warn("failed to ping db, retrying...", "attempt", attempt, "error", err, "retry_in", next)
	})
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}

func createTopics(ctx context.Context, nsqdHTTP string, topics ...string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	var errs []error
	for _, topic := range topics {
		endpoint := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, url.QueryEscape(topic))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resp, err := client.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			errs = append(errs, fmt.Errorf("topic %s: %w", topic, err))
			continue
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
		if resp.StatusCode != http.StatusOK {
			errs = append(errs, fmt.Errorf("topic %s: nsqd answered %d", topic, resp.StatusCode))
			continue
		}
		slog.Info("NSQ topic ensured", "topic", topic)
	}
	return errors.Join(errs...)
}
