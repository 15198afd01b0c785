package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ansible-job-dashboard/internal/models"
)

// ErrNotFound is returned when a report references an unknown job id.
// Callers surface it as a 404, never as a process fault.
var ErrNotFound = errors.New("job not found")

// StartedMessage is the log line written when a job row is created.
const StartedMessage = "Job started"

// Store wraps pgxpool for Postgres persistence of jobs and their logs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, job_name, scope, triggered_by, status, progress, start_time, end_time`

// CreateJob inserts a new running job plus its initial log entry in one
// transaction and returns the stored row.
func (s *Store) CreateJob(ctx context.Context, name, scope, triggeredBy string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, job_name, scope, triggered_by, status, progress, start_time)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, id, name, scope, triggeredBy, models.StatusRunning, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_logs (job_id, ts, level, message)
		VALUES ($1, $2, 'info', $3)
	`, id, now, StartedMessage)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert initial log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:          id,
		JobName:     name,
		Scope:       scope,
		TriggeredBy: triggeredBy,
		Status:      models.StatusRunning,
		Progress:    0,
		StartTime:   now,
	}, nil
}

// RecordProgress applies a progress report to a known job. A non-nil
// progress overwrites the stored value after clamping to [0,100]
// (last-write-wins; concurrent reports for one job are not serialized).
// A non-empty message appends a log entry stamped at write time. Both
// writes commit in one transaction; an unknown id yields ErrNotFound with
// no partial writes.
func (s *Store) RecordProgress(ctx context.Context, jobID string, progress *float64, message, level string) (models.Job, error) {
	if progress != nil {
		clamped := models.ClampProgress(*progress)
		progress = &clamped
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE jobs SET progress = COALESCE($2, progress)
		WHERE id = $1
		RETURNING `+jobColumns, jobID, progress)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, err
	}

	if message != "" {
		if level == "" {
			level = "info"
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO job_logs (job_id, ts, level, message)
			VALUES ($1, $2, $3, $4)
		`, jobID, time.Now().UTC(), level, message)
		if err != nil {
			return models.Job{}, fmt.Errorf("insert log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// CompleteJob forces a job into the requested terminal status with
// progress 100 and end_time set, optionally appending a final log entry.
// A duplicate completion simply overwrites the terminal fields again.
func (s *Store) CompleteJob(ctx context.Context, jobID, status, message string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	row := tx.QueryRow(ctx, `
		UPDATE jobs SET status = $2, progress = 100, end_time = $3
		WHERE id = $1
		RETURNING `+jobColumns, jobID, status, now)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, err
	}

	if message != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO job_logs (job_id, ts, level, message)
			VALUES ($1, $2, 'info', $3)
		`, jobID, now, message)
		if err != nil {
			return models.Job{}, fmt.Errorf("insert log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

// ListJobs returns jobs started at or after cutoff, newest first. A zero
// cutoff returns all jobs.
func (s *Store) ListJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE start_time >= $1
		ORDER BY start_time DESC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListLogs returns log entries for a job ordered by timestamp ascending,
// insertion order breaking ties. limit <= 0 means unbounded; offset skips
// leading entries.
func (s *Store) ListLogs(ctx context.Context, jobID string, limit, offset int) ([]models.LogEntry, error) {
	q := `
		SELECT ts, level, message FROM job_logs
		WHERE job_id = $1
		ORDER BY ts ASC, id ASC
	`
	args := []any{jobID}
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, offset)
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	logs := []models.LogEntry{}
	for rows.Next() {
		var entry models.LogEntry
		if err := rows.Scan(&entry.TS, &entry.Level, &entry.Message); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var end pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.JobName, &job.Scope, &job.TriggeredBy, &job.Status, &job.Progress, &job.StartTime, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if end.Valid {
		t := end.Time
		job.EndTime = &t
	}
	return job, nil
}
