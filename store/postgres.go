package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowforge/dagcore"
)

// PostgresStore implements dagcore.Store on PostgreSQL via pgx/v5, mirroring
// the conditional-write contract the in-memory and DynamoDB backends share
// (spec.md §4.1): every atomic transition is one SQL statement whose WHERE
// clause IS the invariant, never an application-level lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ dagcore.Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an externally-owned pgxpool.Pool. The caller opens
// and closes the pool; PostgresStore never does either.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Init creates the schema if it doesn't already exist. Safe to call on
// every startup.
func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			steps JSONB NOT NULL DEFAULT '[]',
			input JSONB,
			status TEXT NOT NULL,
			start_at_epoch_ms BIGINT NOT NULL DEFAULT 0,
			deadline_at_epoch_ms BIGINT,
			timeout_ms BIGINT,
			completed_at_epoch_ms BIGINT,
			output JSONB,
			error JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS executions_workflow_status_idx ON executions(workflow_id, status, created_at)`,

		`CREATE TABLE IF NOT EXISTS step_results (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			started_at_epoch_ms BIGINT NOT NULL,
			completed_at_epoch_ms BIGINT,
			output JSONB,
			error JSONB,
			PRIMARY KEY (execution_id, step_id)
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			payload JSONB,
			created_at BIGINT NOT NULL,
			visible_at BIGINT,
			consumed_at BIGINT,
			source_execution_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS workflow_events_execution_idx ON workflow_events(execution_id, type, name)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

func marshalError(e *dagcore.ExecutionError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func unmarshalError(data []byte) (*dagcore.ExecutionError, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var e dagcore.ExecutionError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanExecution(row pgx.Row) (*dagcore.WorkflowExecution, error) {
	var e dagcore.WorkflowExecution
	var steps, input, output, errData []byte
	err := row.Scan(
		&e.ID, &e.WorkflowID, &steps, &input, &e.Status,
		&e.StartAtEpochMs, &e.DeadlineAtEpochMs, &e.TimeoutMs, &e.CompletedAtEpochMs,
		&output, &errData, &e.CreatedAtEpochMs, &e.UpdatedAtEpochMs,
	)
	if err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &e.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	e.Input = input
	e.Output = output
	e.Error, err = unmarshalError(errData)
	if err != nil {
		return nil, fmt.Errorf("unmarshal execution error: %w", err)
	}
	return &e, nil
}

const executionColumns = `id, workflow_id, steps, input, status, start_at_epoch_ms, deadline_at_epoch_ms, timeout_ms, completed_at_epoch_ms, output, error, created_at, updated_at`

func (s *PostgresStore) CreateExecution(ctx context.Context, exec dagcore.WorkflowExecution) (*dagcore.WorkflowExecution, error) {
	if exec.Status == "" {
		exec.Status = dagcore.ExecutionEnqueued
	}
	steps, err := json.Marshal(exec.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	errData, err := marshalError(exec.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal execution error: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO executions (id, workflow_id, steps, input, status, start_at_epoch_ms, deadline_at_epoch_ms, timeout_ms, completed_at_epoch_ms, output, error, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		exec.ID, exec.WorkflowID, steps, []byte(exec.Input), string(exec.Status), exec.StartAtEpochMs,
		exec.DeadlineAtEpochMs, exec.TimeoutMs, exec.CompletedAtEpochMs, []byte(exec.Output), errData,
		exec.CreatedAtEpochMs, exec.UpdatedAtEpochMs)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, dagcore.NewValidationError("execution %s already exists", exec.ID)
		}
		return nil, fmt.Errorf("postgres: create execution: %w", err)
	}
	out := exec
	return &out, nil
}

// ClaimExecution: the WHERE clause IS the atomicity — exactly one concurrent
// caller observes 1 row affected.
func (s *PostgresStore) ClaimExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE executions SET status = $1, updated_at = updated_at
		 WHERE id = $2 AND status = $3
		 RETURNING `+executionColumns,
		string(dagcore.ExecutionRunning), id, string(dagcore.ExecutionEnqueued))
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetExecution(ctx, id); getErr != nil {
			return nil, nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: claim execution: %w", err)
	}
	return exec, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &dagcore.ExecutionNotFoundError{ExecutionID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get execution: %w", err)
	}
	return exec, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter dagcore.ExecutionFilter, page dagcore.Page) (dagcore.ListResult, error) {
	where := "WHERE ($1 = '' OR workflow_id = $1) AND ($2 = '' OR status = $2)"
	args := []any{filter.WorkflowID, string(filter.Status)}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM executions `+where, args...).Scan(&total); err != nil {
		return dagcore.ListResult{}, fmt.Errorf("postgres: count executions: %w", err)
	}

	limit, offset := page.Limit, page.Offset
	if limit <= 0 {
		limit = total
		if limit == 0 {
			limit = 1
		}
	}
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions `+where+` ORDER BY created_at ASC LIMIT $3 OFFSET $4`, args...)
	if err != nil {
		return dagcore.ListResult{}, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var executions []dagcore.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return dagcore.ListResult{}, fmt.Errorf("postgres: scan execution: %w", err)
		}
		executions = append(executions, *exec)
	}
	if err := rows.Err(); err != nil {
		return dagcore.ListResult{}, fmt.Errorf("postgres: iterate executions: %w", err)
	}
	return dagcore.ListResult{Executions: executions, TotalCount: total}, nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, id string, patch dagcore.ExecutionPatch) (*dagcore.WorkflowExecution, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		exec.Status = *patch.Status
	}
	if patch.Output != nil {
		exec.Output = patch.Output
	}
	if patch.Error != nil {
		exec.Error = patch.Error
	}
	if patch.CompletedAtEpochMs != nil {
		exec.CompletedAtEpochMs = patch.CompletedAtEpochMs
	}
	if patch.DeadlineAtEpochMs != nil {
		exec.DeadlineAtEpochMs = patch.DeadlineAtEpochMs
	}
	errData, err := marshalError(exec.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal execution error: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE executions SET status=$1, output=$2, error=$3, completed_at_epoch_ms=$4, deadline_at_epoch_ms=$5 WHERE id=$6`,
		string(exec.Status), []byte(exec.Output), errData, exec.CompletedAtEpochMs, exec.DeadlineAtEpochMs, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: update execution: %w", err)
	}
	return exec, nil
}

func (s *PostgresStore) conditionalStatusFlip(ctx context.Context, id string, from []dagcore.ExecutionStatus, to dagcore.ExecutionStatus, clearCompleted bool) (*dagcore.WorkflowExecution, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}
	query := `UPDATE executions SET status = $1`
	if clearCompleted {
		query += `, completed_at_epoch_ms = NULL`
	}
	query += ` WHERE id = $2 AND status = ANY($3) RETURNING ` + executionColumns

	row := s.pool.QueryRow(ctx, query, string(to), id, fromStrs)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: update execution status: %w", err)
	}
	return exec, nil
}

func (s *PostgresStore) CancelExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	return s.conditionalStatusFlip(ctx, id, []dagcore.ExecutionStatus{dagcore.ExecutionEnqueued, dagcore.ExecutionRunning}, dagcore.ExecutionCancelled, false)
}

func (s *PostgresStore) ResumeExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	return s.conditionalStatusFlip(ctx, id, []dagcore.ExecutionStatus{dagcore.ExecutionCancelled}, dagcore.ExecutionEnqueued, true)
}

func scanStepResult(row pgx.Row) (*dagcore.StepResult, error) {
	var r dagcore.StepResult
	var output, errData []byte
	if err := row.Scan(&r.ExecutionID, &r.StepID, &r.StartedAtEpochMs, &r.CompletedAtEpochMs, &output, &errData); err != nil {
		return nil, err
	}
	r.Output = output
	var err error
	r.Error, err = unmarshalError(errData)
	if err != nil {
		return nil, fmt.Errorf("unmarshal step error: %w", err)
	}
	return &r, nil
}

const stepResultColumns = `execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error`

func (s *PostgresStore) GetStepResults(ctx context.Context, executionID string) ([]dagcore.StepResult, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stepResultColumns+` FROM step_results WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get step results: %w", err)
	}
	defer rows.Close()

	var results []dagcore.StepResult
	for rows.Next() {
		r, err := scanStepResult(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan step result: %w", err)
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) GetStepResult(ctx context.Context, executionID, stepID string) (*dagcore.StepResult, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stepResultColumns+` FROM step_results WHERE execution_id = $1 AND step_id = $2`, executionID, stepID)
	r, err := scanStepResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get step result: %w", err)
	}
	return r, nil
}

// ClaimStep: an upsert whose ON CONFLICT...WHERE clause only fires for a row
// that is either new or incomplete-and-stale — the same predicate the
// DynamoDB backend expresses as a ConditionExpression.
func (s *PostgresStore) ClaimStep(ctx context.Context, executionID, stepID string, timeoutMs int64) (*dagcore.StepResult, error) {
	now := dagcore.NowMs(dagcore.SystemClock{})
	staleBefore := now - timeoutMs

	row := s.pool.QueryRow(ctx,
		`INSERT INTO step_results (execution_id, step_id, started_at_epoch_ms)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (execution_id, step_id) DO UPDATE
		   SET started_at_epoch_ms = EXCLUDED.started_at_epoch_ms
		   WHERE step_results.completed_at_epoch_ms IS NULL
		     AND step_results.started_at_epoch_ms < $4
		 RETURNING `+stepResultColumns,
		executionID, stepID, now, staleBefore)
	r, err := scanStepResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: claim step: %w", err)
	}
	return r, nil
}

// UpdateStep: write-once completed_at via a WHERE clause, never an
// application-level check-then-act.
func (s *PostgresStore) UpdateStep(ctx context.Context, executionID, stepID string, patch dagcore.StepResultPatch) (*dagcore.StepResult, error) {
	errData, err := marshalError(patch.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal step error: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE step_results SET output = $1, error = $2, completed_at_epoch_ms = $3
		 WHERE execution_id = $4 AND step_id = $5 AND completed_at_epoch_ms IS NULL
		 RETURNING `+stepResultColumns,
		[]byte(patch.Output), errData, patch.CompletedAtEpochMs, executionID, stepID)
	r, err := scanStepResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetStepResult(ctx, executionID, stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: update step: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event dagcore.WorkflowEvent) (*dagcore.WorkflowEvent, error) {
	if event.CreatedAtEpochMs == 0 {
		event.CreatedAtEpochMs = dagcore.NowMs(dagcore.SystemClock{})
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_events (id, execution_id, type, name, payload, created_at, visible_at, consumed_at, source_execution_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.ID, event.ExecutionID, string(event.Type), event.Name, []byte(event.Payload),
		event.CreatedAtEpochMs, event.VisibleAtEpochMs, event.ConsumedAtEpochMs, event.SourceExecutionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: append event: %w", err)
	}
	out := event
	return &out, nil
}

func (s *PostgresStore) ConsumeEvent(ctx context.Context, eventID string, nowMs int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_events SET consumed_at = $1 WHERE id = $2 AND consumed_at IS NULL`,
		nowMs, eventID)
	if err != nil {
		return false, fmt.Errorf("postgres: consume event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) PollEvent(ctx context.Context, executionID string, eventType dagcore.EventType, name string, nowMs int64) (*dagcore.WorkflowEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, execution_id, type, name, payload, created_at, visible_at, consumed_at, source_execution_id
		 FROM workflow_events
		 WHERE execution_id = $1 AND type = $2 AND name = $3
		   AND consumed_at IS NULL AND (visible_at IS NULL OR visible_at <= $4)
		 ORDER BY created_at ASC LIMIT 1`,
		executionID, string(eventType), name, nowMs)

	var e dagcore.WorkflowEvent
	var payload []byte
	err := row.Scan(&e.ID, &e.ExecutionID, &e.Type, &e.Name, &payload, &e.CreatedAtEpochMs, &e.VisibleAtEpochMs, &e.ConsumedAtEpochMs, &e.SourceExecutionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: poll event: %w", err)
	}
	e.Payload = payload
	return &e, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
