package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const jobColumns = `id, type, payload, status, attempts, max_attempts, scheduled_for, locked_at, last_error,
	created_at, updated_at, completed_at`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertJob(ctx context.Context, db execer, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	// Job ids derived from the trade make a replayed enqueue a no-op.
	_, err := db.Exec(ctx, `
		INSERT INTO async_jobs (id, type, payload, status, attempts, max_attempts, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Type, []byte(job.Payload), job.Status, job.Attempts, job.MaxAttempts, job.ScheduledFor, job.CreatedAt, job.UpdatedAt)
	return err
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *Job) error {
	return insertJob(ctx, s.pool, job)
}

// ClaimJobs moves up to limit due jobs to processing. SKIP LOCKED lets any
// number of workers poll concurrently without claiming the same row twice.
func (s *PostgresStore) ClaimJobs(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM async_jobs
			WHERE status = 'pending' AND scheduled_for <= $1
			ORDER BY scheduled_for, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE async_jobs j
		SET status = 'processing', attempts = j.attempts + 1, locked_at = $1, updated_at = $1
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.type, j.payload, j.status, j.attempts, j.max_attempts, j.scheduled_for, j.locked_at,
			j.last_error, j.created_at, j.updated_at, j.completed_at
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.execJobUpdate(ctx, `
		UPDATE async_jobs
		SET status = 'completed', completed_at = $2, locked_at = NULL, last_error = '', updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, id, now)
}

func (s *PostgresStore) RetryJob(ctx context.Context, id uuid.UUID, scheduledFor time.Time, lastErr string) error {
	return s.execJobUpdate(ctx, `
		UPDATE async_jobs
		SET status = 'pending', scheduled_for = $2, last_error = $3, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, scheduledFor, lastErr)
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, lastErr string, now time.Time) error {
	return s.execJobUpdate(ctx, `
		UPDATE async_jobs
		SET status = 'failed', last_error = $2, locked_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, id, lastErr, now)
}

// RecoverStaleJobs releases jobs whose worker died mid-flight. The lost
// attempt still counts, so a job out of attempts goes to failed.
func (s *PostgresStore) RecoverStaleJobs(ctx context.Context, lockedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE async_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			last_error = 'worker lease expired', locked_at = NULL, updated_at = now()
		WHERE status = 'processing' AND locked_at < $1
	`, lockedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PurgeCompletedJobs(ctx context.Context, completedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM async_jobs WHERE status = 'completed' AND completed_at < $1`, completedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.execJobUpdate(ctx, `
		UPDATE async_jobs
		SET status = 'pending', attempts = 0, scheduled_for = $2, last_error = '', updated_at = $2
		WHERE id = $1 AND status = 'failed'
	`, id, now)
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM async_jobs WHERE id = $1`, id)
	if err != nil {
		return Job{}, err
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return Job{}, err
	}
	if len(jobs) == 0 {
		return Job{}, ErrNotFound
	}
	return jobs[0], nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM async_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *PostgresStore) execJobUpdate(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		var payload []byte
		if err := rows.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.ScheduledFor,
			&j.LockedAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
			return nil, err
		}
		j.Payload = payload
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}
