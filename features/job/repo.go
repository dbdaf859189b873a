package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
)

type Repository interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)

	// Claim atomically moves up to limit eligible jobs to running and returns
	// them ordered by priority DESC, scheduled_at ASC.
	Claim(ctx context.Context, limit int, workerID string) ([]Job, error)
	Complete(ctx context.Context, id, workerID string) error
	ScheduleRetry(ctx context.Context, id, workerID string, next time.Time, reason string) error
	DeadLetter(ctx context.Context, id, workerID, reason string) error
	ReapStale(ctx context.Context, grace time.Duration) (int, error)

	ListDeadLetter(ctx context.Context, limit, offset int) ([]Job, error)
	CountDeadLetter(ctx context.Context) (int, error)
	RequeueDeadLetters(ctx context.Context, olderThan time.Time, limit int) (int, error)
	PurgeDeadLetters(ctx context.Context, olderThan time.Time, limit int) (int, error)

	Stats(ctx context.Context, since time.Time) (*Stats, error)
}

const jobColumns = `id, name, payload, tenant_id, priority, status, scheduled_at, started_at, completed_at,
	retry_count, max_retries, retry_delay_ms, retry_backoff_multiplier, retry_max_delay_ms, retry_jitter,
	timeout_ms, error_message, claimed_by, created_at, updated_at`

var claimableStatuses = []string{string(StatusPending), string(StatusFailed)}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Insert(ctx context.Context, job *Job) error {
	query := `INSERT INTO jobs (name, payload, tenant_id, priority, status, scheduled_at, max_retries, retry_delay_ms, retry_backoff_multiplier, retry_max_delay_ms, retry_jitter, timeout_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, retry_count, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		job.Name, string(job.Payload), nullString(job.TenantID), job.Priority, string(job.Status), job.ScheduledAt,
		job.MaxRetries, job.RetryDelayMS, job.RetryBackoffMultiplier, job.RetryMaxDelayMS, job.RetryJitter, job.TimeoutMS,
	).Scan(&job.ID, &job.RetryCount, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert job: %w", ErrPersistence, err)
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) || isInvalidID(err) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get job: %w", ErrPersistence, err)
	}
	return j, nil
}

func (r *PostgresRepo) Claim(ctx context.Context, limit int, workerID string) ([]Job, error) {
	query := `UPDATE jobs SET status = 'running', started_at = NOW(), claimed_by = $3, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = ANY($1) AND scheduled_at <= NOW()
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = ANY($1)
		RETURNING ` + jobColumns
	rows, err := r.db.QueryContext(ctx, query, pq.Array(claimableStatuses), limit, workerID)
	if err != nil {
		return nil, fmt.Errorf("%w: claim jobs: %w", ErrPersistence, err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: claim jobs: %w", ErrPersistence, err)
	}

	// RETURNING does not preserve the subquery order.
	slices.SortStableFunc(jobs, func(a, b Job) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	return jobs, nil
}

// Complete, ScheduleRetry and DeadLetter only apply while workerID still
// holds the claim. A worker whose claim was reaped and handed to another
// worker gets ErrClaimLost.
func (r *PostgresRepo) Complete(ctx context.Context, id, workerID string) error {
	query := `UPDATE jobs SET status = 'completed', completed_at = NOW(), error_message = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND claimed_by = $2`
	return r.transition(ctx, "complete job", query, id, workerID)
}

func (r *PostgresRepo) ScheduleRetry(ctx context.Context, id, workerID string, next time.Time, reason string) error {
	query := `UPDATE jobs SET status = 'pending', scheduled_at = $2, retry_count = retry_count + 1, error_message = $3,
		started_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND claimed_by = $4 AND retry_count < max_retries`
	return r.transition(ctx, "schedule retry", query, id, next, nullString(reason), workerID)
}

func (r *PostgresRepo) DeadLetter(ctx context.Context, id, workerID, reason string) error {
	query := `UPDATE jobs SET status = 'dead_letter', completed_at = NOW(), error_message = $2, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND claimed_by = $3`
	return r.transition(ctx, "dead-letter job", query, id, nullString(reason), workerID)
}

// ReapStale releases claims held past timeout_ms plus grace. Jobs with retry
// budget left become failed (claimable again); the rest are dead-lettered.
func (r *PostgresRepo) ReapStale(ctx context.Context, grace time.Duration) (int, error) {
	query := `UPDATE jobs SET
			status = CASE WHEN retry_count < max_retries THEN 'failed' ELSE 'dead_letter' END,
			retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			started_at = CASE WHEN retry_count < max_retries THEN NULL ELSE started_at END,
			completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE NOW() END,
			scheduled_at = CASE WHEN retry_count < max_retries THEN NOW() ELSE scheduled_at END,
			error_message = 'claim expired before the worker reported a result',
			claimed_by = NULL,
			updated_at = NOW()
		WHERE status = 'running' AND started_at + (timeout_ms + $1) * INTERVAL '1 millisecond' < NOW()`
	res, err := r.db.ExecContext(ctx, query, grace.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("%w: reap stale claims: %w", ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: reap stale claims: %w", ErrPersistence, err)
	}
	return int(n), nil
}

func (r *PostgresRepo) ListDeadLetter(ctx context.Context, limit, offset int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'dead_letter' ORDER BY updated_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list dead letters: %w", ErrPersistence, err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: list dead letters: %w", ErrPersistence, err)
	}
	return jobs, nil
}

func (r *PostgresRepo) CountDeadLetter(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM jobs WHERE status = 'dead_letter'`
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count dead letters: %w", ErrPersistence, err)
	}
	return count, nil
}

func (r *PostgresRepo) RequeueDeadLetters(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	query := `UPDATE jobs SET status = 'pending', retry_count = 0, error_message = NULL, scheduled_at = NOW(),
			started_at = NULL, completed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'dead_letter' AND updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = 'dead_letter'`
	return r.affected(ctx, "requeue dead letters", query, olderThan, limit)
}

func (r *PostgresRepo) PurgeDeadLetters(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	query := `DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'dead_letter' AND updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = 'dead_letter'`
	return r.affected(ctx, "purge dead letters", query, olderThan, limit)
}

func (r *PostgresRepo) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	s := &Stats{}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: count by status: %w", ErrPersistence, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("%w: count by status: %w", ErrPersistence, err)
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = count
		case StatusRunning:
			s.Running = count
		case StatusCompleted:
			s.Completed = count
		case StatusFailed:
			s.Failed = count
		case StatusDeadLetter:
			s.DeadLetter = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: count by status: %w", ErrPersistence, err)
	}

	query := `SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0) FROM jobs
		WHERE status = 'completed' AND completed_at >= $1 AND started_at IS NOT NULL`
	if err := r.db.QueryRowContext(ctx, query, since).Scan(&s.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("%w: average duration: %w", ErrPersistence, err)
	}
	return s, nil
}

// transition runs a status-guarded update and reports ErrClaimLost when the
// guard matched nothing.
func (r *PostgresRepo) transition(ctx context.Context, op, query string, args ...any) error {
	n, err := r.affected(ctx, op, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrClaimLost, op)
	}
	return nil
}

func (r *PostgresRepo) affected(ctx context.Context, op, query string, args ...any) (int, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j           Job
		payload     []byte
		status      string
		tenantID    sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errMsg      sql.NullString
		claimedBy   sql.NullString
	)
	err := row.Scan(&j.ID, &j.Name, &payload, &tenantID, &j.Priority, &status, &j.ScheduledAt, &startedAt, &completedAt,
		&j.RetryCount, &j.MaxRetries, &j.RetryDelayMS, &j.RetryBackoffMultiplier, &j.RetryMaxDelayMS, &j.RetryJitter,
		&j.TimeoutMS, &errMsg, &claimedBy, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.Payload = payload
	j.Status = Status(status)
	j.TenantID = tenantID.String
	j.ErrorMessage = errMsg.String
	j.ClaimedBy = claimedBy.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// isInvalidID reports a malformed UUID literal, which can never match a row.
func isInvalidID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
