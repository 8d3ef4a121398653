package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// CockroachStore implements Store using CockroachDB.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore returns a run store backed by db.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

const runColumns = `id, owner_id, tenant_id, prompt, status, current_phase, execution_plan, parent_run_id, created_at, updated_at`

// CreateRun inserts a run; an existing id is left untouched.
func (s *CockroachStore) CreateRun(ctx context.Context, run *Run) (bool, error) {
	if run == nil || run.ID == "" {
		return false, errRunRequired
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`,
		run.ID,
		run.OwnerID,
		run.TenantID,
		run.Prompt,
		string(run.Status),
		run.CurrentPhase,
		pq.Array(run.ExecutionPlan),
		nullableString(run.ParentRunID),
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create run: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create run: %w", err)
	}
	return inserted == 1, nil
}

// GetRun returns a run by id.
func (s *CockroachStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// UpdateRun writes run guarded by its previously read status.
func (s *CockroachStore) UpdateRun(ctx context.Context, run *Run, from Status) error {
	if run == nil || run.ID == "" {
		return errRunRequired
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $2,
			current_phase = $3,
			execution_plan = $4,
			prompt = $5,
			updated_at = $6
		WHERE id = $1 AND status = $7
	`,
		run.ID,
		string(run.Status),
		run.CurrentPhase,
		pq.Array(run.ExecutionPlan),
		run.Prompt,
		run.UpdatedAt,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if updated == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ListRuns returns runs in reverse chronological order.
func (s *CockroachStore) ListRuns(ctx context.Context, tenantID string, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if tenantID != "" {
		args = append(args, tenantID)
		query += fmt.Sprintf(" WHERE tenant_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return result, nil
}

// AppendStep inserts a step record.
func (s *CockroachStore) AppendStep(ctx context.Context, step *Step) error {
	if step == nil || step.RunID == "" {
		return errStepRequired
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_steps (id, run_id, step_id, operation, attempt, idempotency_key, status, error_code, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		step.ID,
		step.RunID,
		step.StepID,
		step.Operation,
		step.Attempt,
		step.IdempotencyKey,
		string(step.Status),
		nullableString(step.ErrorCode),
		step.DurationMs,
		step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

// ListSteps returns a run's steps in insertion order.
func (s *CockroachStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, operation, attempt, idempotency_key, status, error_code, duration_ms, created_at
		FROM run_steps
		WHERE run_id = $1
		ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var (
			step      Step
			status    string
			errorCode sql.NullString
		)
		if err := rows.Scan(
			&step.ID,
			&step.RunID,
			&step.StepID,
			&step.Operation,
			&step.Attempt,
			&step.IdempotencyKey,
			&status,
			&errorCode,
			&step.DurationMs,
			&step.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Status = StepStatus(status)
		if errorCode.Valid {
			step.ErrorCode = errorCode.String
		}
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return steps, nil
}

// CountSteps counts previous dispatches of stepID within runID.
func (s *CockroachStore) CountSteps(ctx context.Context, runID, stepID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM run_steps WHERE run_id = $1 AND step_id = $2
	`, runID, stepID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count steps: %w", err)
	}
	return count, nil
}

// AddMessage inserts a message; an existing id is left untouched.
func (s *CockroachStore) AddMessage(ctx context.Context, message *Message) (bool, error) {
	if message == nil || message.ID == "" || message.RunID == "" {
		return false, errMessageRequired
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_messages (id, run_id, role, content, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO NOTHING
	`, message.ID, message.RunID, message.Role, message.Content, message.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("add message: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add message: %w", err)
	}
	return inserted == 1, nil
}

// ListMessages returns a run's messages oldest first.
func (s *CockroachStore) ListMessages(ctx context.Context, runID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, role, content, created_at
		FROM run_messages
		WHERE run_id = $1
		ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var message Message
		if err := rows.Scan(&message.ID, &message.RunID, &message.Role, &message.Content, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (*Run, error) {
	var (
		run         Run
		status      string
		plan        []string
		parentRunID sql.NullString
	)
	if err := scanner.Scan(
		&run.ID,
		&run.OwnerID,
		&run.TenantID,
		&run.Prompt,
		&status,
		&run.CurrentPhase,
		pq.Array(&plan),
		&parentRunID,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	run.Status = Status(status)
	if len(plan) > 0 {
		run.ExecutionPlan = plan
	}
	if parentRunID.Valid {
		run.ParentRunID = parentRunID.String
	}
	return &run, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
