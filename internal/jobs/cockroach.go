package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CockroachStore implements Store using CockroachDB.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore returns a job store backed by db.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

const jobColumns = `id, run_id, request_id, tenant_id, task_type, payload, status, attempts, error_message, created_at, updated_at, finished_at`

// Enqueue stores a job. The unique request_id index makes a repeated enqueue
// for one request a no-op.
func (s *CockroachStore) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, errJobRequired
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT DO NOTHING
	`,
		job.ID,
		job.RunID,
		nullableString(job.RequestID),
		job.TenantID,
		job.TaskType,
		nullableBytes(job.Payload),
		string(job.Status),
		job.Attempts,
		nullableString(job.Error),
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.FinishedAt),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	return inserted == 1, nil
}

// Update updates a job record.
func (s *CockroachStore) Update(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errJobRequired
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
			attempts = $3,
			error_message = $4,
			updated_at = $5,
			finished_at = $6
		WHERE id = $1
	`,
		job.ID,
		string(job.Status),
		job.Attempts,
		nullableString(job.Error),
		job.UpdatedAt,
		nullTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if updated, _ := res.RowsAffected(); updated == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a job by id.
func (s *CockroachStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

// GetByRequestID returns the job enqueued for a request.
func (s *CockroachStore) GetByRequestID(ctx context.Context, requestID string) (*Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE request_id = $1`, requestID)
}

func (s *CockroachStore) getOne(ctx context.Context, query, arg string) (*Job, error) {
	if arg == "" {
		return nil, ErrNotFound
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs in reverse chronological order.
func (s *CockroachStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.query(ctx, query, args...)
}

// ListByRun returns the jobs referencing a run.
func (s *CockroachStore) ListByRun(ctx context.Context, runID string) ([]*Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY created_at`, runID)
}

func (s *CockroachStore) query(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Prune removes finished jobs created before now - olderThan.
func (s *CockroachStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN ('succeeded', 'failed') AND created_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return pruned, nil
}

// Cancel marks a pending or running job as failed.
func (s *CockroachStore) Cancel(ctx context.Context, id string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error_message = $2, updated_at = $3, finished_at = $3
		WHERE id = $1 AND status IN ('pending', 'running')
	`, id, cancelledMessage, now)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if updated, _ := res.RowsAffected(); updated == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (*Job, error) {
	var (
		job          Job
		status       string
		requestID    sql.NullString
		payload      []byte
		errorMessage sql.NullString
		finishedAt   sql.NullTime
	)
	if err := scanner.Scan(
		&job.ID,
		&job.RunID,
		&requestID,
		&job.TenantID,
		&job.TaskType,
		&payload,
		&status,
		&job.Attempts,
		&errorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if requestID.Valid {
		job.RequestID = requestID.String
	}
	if len(payload) > 0 {
		job.Payload = payload
	}
	if errorMessage.Valid {
		job.Error = errorMessage.String
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	return &job, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullableBytes(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return []byte(value)
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}
