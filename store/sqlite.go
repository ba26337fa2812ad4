package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/flowforge/dagcore"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

// SQLiteStore implements dagcore.Store on a local SQLite file via sqlx. It
// shares the exact SQL shapes PostgresStore uses for the three conditional
// writes (spec.md §4.1) — SQLite's UPSERT...WHERE clause (3.24+) expresses
// the same predicate syntax Postgres does.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ dagcore.Store = (*SQLiteStore)(nil)

// Open opens (or creates) a SQLite database at path. A single connection is
// enforced (SetMaxOpenConns(1)) so concurrent callers serialize through one
// connection instead of racing into SQLITE_BUSY.
func Open(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an already-open *sqlx.DB, for callers that manage
// their own connection lifecycle (tests included).
func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Init creates the schema if it doesn't already exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			steps TEXT NOT NULL DEFAULT '[]',
			input TEXT,
			status TEXT NOT NULL,
			start_at_epoch_ms INTEGER NOT NULL DEFAULT 0,
			deadline_at_epoch_ms INTEGER,
			timeout_ms INTEGER,
			completed_at_epoch_ms INTEGER,
			output TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS executions_workflow_status_idx ON executions(workflow_id, status, created_at)`,

		`CREATE TABLE IF NOT EXISTS step_results (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			started_at_epoch_ms INTEGER NOT NULL,
			completed_at_epoch_ms INTEGER,
			output TEXT,
			error TEXT,
			PRIMARY KEY (execution_id, step_id)
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			payload TEXT,
			created_at INTEGER NOT NULL,
			visible_at INTEGER,
			consumed_at INTEGER,
			source_execution_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS workflow_events_execution_idx ON workflow_events(execution_id, type, name)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type executionRow struct {
	ID                 string  `db:"id"`
	WorkflowID         string  `db:"workflow_id"`
	Steps              string  `db:"steps"`
	Input              *string `db:"input"`
	Status             string  `db:"status"`
	StartAtEpochMs     int64   `db:"start_at_epoch_ms"`
	DeadlineAtEpochMs  *int64  `db:"deadline_at_epoch_ms"`
	TimeoutMs          *int64  `db:"timeout_ms"`
	CompletedAtEpochMs *int64  `db:"completed_at_epoch_ms"`
	Output             *string `db:"output"`
	Error              *string `db:"error"`
	CreatedAt          int64   `db:"created_at"`
	UpdatedAt          int64   `db:"updated_at"`
}

func (r *executionRow) toDomain() (*dagcore.WorkflowExecution, error) {
	e := &dagcore.WorkflowExecution{
		ID: r.ID, WorkflowID: r.WorkflowID, Status: dagcore.ExecutionStatus(r.Status),
		StartAtEpochMs: r.StartAtEpochMs, DeadlineAtEpochMs: r.DeadlineAtEpochMs,
		TimeoutMs: r.TimeoutMs, CompletedAtEpochMs: r.CompletedAtEpochMs,
		CreatedAtEpochMs: r.CreatedAt, UpdatedAtEpochMs: r.UpdatedAt,
	}
	if r.Steps != "" {
		if err := json.Unmarshal([]byte(r.Steps), &e.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if r.Input != nil {
		e.Input = json.RawMessage(*r.Input)
	}
	if r.Output != nil {
		e.Output = json.RawMessage(*r.Output)
	}
	if r.Error != nil {
		var ee dagcore.ExecutionError
		if err := json.Unmarshal([]byte(*r.Error), &ee); err != nil {
			return nil, fmt.Errorf("unmarshal execution error: %w", err)
		}
		e.Error = &ee
	}
	return e, nil
}

func rawMessageToPtr(v json.RawMessage) *string {
	if len(v) == 0 {
		return nil
	}
	s := string(v)
	return &s
}

func executionErrorToPtr(e *dagcore.ExecutionError) (*string, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

const executionSelectCols = `id, workflow_id, steps, input, status, start_at_epoch_ms, deadline_at_epoch_ms, timeout_ms, completed_at_epoch_ms, output, error, created_at, updated_at`

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec dagcore.WorkflowExecution) (*dagcore.WorkflowExecution, error) {
	if exec.Status == "" {
		exec.Status = dagcore.ExecutionEnqueued
	}
	steps, err := json.Marshal(exec.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal steps: %w", err)
	}
	errPtr, err := executionErrorToPtr(exec.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal execution error: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, steps, input, status, start_at_epoch_ms, deadline_at_epoch_ms, timeout_ms, completed_at_epoch_ms, output, error, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		exec.ID, exec.WorkflowID, string(steps), rawMessageToPtr(exec.Input), string(exec.Status), exec.StartAtEpochMs,
		exec.DeadlineAtEpochMs, exec.TimeoutMs, exec.CompletedAtEpochMs, rawMessageToPtr(exec.Output), errPtr,
		exec.CreatedAtEpochMs, exec.UpdatedAtEpochMs)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, dagcore.NewValidationError("execution %s already exists", exec.ID)
		}
		return nil, fmt.Errorf("sqlite: create execution: %w", err)
	}
	out := exec
	return &out, nil
}

// ClaimExecution: the UPDATE's WHERE clause is the atomicity — SQLite
// serializes all writers through the single connection SetMaxOpenConns(1)
// enforces, so there is never a concurrent second writer to race against.
func (s *SQLiteStore) ClaimExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE id = ? AND status = ?`,
		string(dagcore.ExecutionRunning), id, string(dagcore.ExecutionEnqueued))
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim execution rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetExecution(ctx, id)
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+executionSelectCols+` FROM executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &dagcore.ExecutionNotFoundError{ExecutionID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get execution: %w", err)
	}
	return row.toDomain()
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter dagcore.ExecutionFilter, page dagcore.Page) (dagcore.ListResult, error) {
	where := `WHERE (? = '' OR workflow_id = ?) AND (? = '' OR status = ?)`
	countArgs := []any{filter.WorkflowID, filter.WorkflowID, string(filter.Status), string(filter.Status)}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM executions `+where, countArgs...); err != nil {
		return dagcore.ListResult{}, fmt.Errorf("sqlite: count executions: %w", err)
	}

	limit, offset := page.Limit, page.Offset
	if limit <= 0 {
		limit = total
		if limit == 0 {
			limit = 1
		}
	}
	args := append(append([]any{}, countArgs...), limit, offset)
	var rows []executionRow
	err := s.db.SelectContext(ctx,
		&rows, `SELECT `+executionSelectCols+` FROM executions `+where+` ORDER BY created_at ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return dagcore.ListResult{}, fmt.Errorf("sqlite: list executions: %w", err)
	}

	executions := make([]dagcore.WorkflowExecution, 0, len(rows))
	for _, row := range rows {
		exec, err := row.toDomain()
		if err != nil {
			return dagcore.ListResult{}, fmt.Errorf("sqlite: decode execution: %w", err)
		}
		executions = append(executions, *exec)
	}
	return dagcore.ListResult{Executions: executions, TotalCount: total}, nil
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, id string, patch dagcore.ExecutionPatch) (*dagcore.WorkflowExecution, error) {
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
	errPtr, err := executionErrorToPtr(exec.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal execution error: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE executions SET status=?, output=?, error=?, completed_at_epoch_ms=?, deadline_at_epoch_ms=? WHERE id=?`,
		string(exec.Status), rawMessageToPtr(exec.Output), errPtr, exec.CompletedAtEpochMs, exec.DeadlineAtEpochMs, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update execution: %w", err)
	}
	return exec, nil
}

func (s *SQLiteStore) conditionalStatusFlip(ctx context.Context, id string, from []dagcore.ExecutionStatus, to dagcore.ExecutionStatus, clearCompleted bool) (*dagcore.WorkflowExecution, error) {
	query, args, err := sqlx.In(`UPDATE executions SET status = ?`+statusFlipSetClause(clearCompleted)+` WHERE id = ? AND status IN (?)`,
		string(to), id, statusesToStrings(from))
	if err != nil {
		return nil, fmt.Errorf("sqlite: build status flip query: %w", err)
	}
	query = s.db.Rebind(query)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update execution status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: status flip rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetExecution(ctx, id)
}

func statusFlipSetClause(clearCompleted bool) string {
	if clearCompleted {
		return `, completed_at_epoch_ms = NULL`
	}
	return ``
}

func statusesToStrings(statuses []dagcore.ExecutionStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (s *SQLiteStore) CancelExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	return s.conditionalStatusFlip(ctx, id, []dagcore.ExecutionStatus{dagcore.ExecutionEnqueued, dagcore.ExecutionRunning}, dagcore.ExecutionCancelled, false)
}

func (s *SQLiteStore) ResumeExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	return s.conditionalStatusFlip(ctx, id, []dagcore.ExecutionStatus{dagcore.ExecutionCancelled}, dagcore.ExecutionEnqueued, true)
}

type stepResultRow struct {
	ExecutionID        string  `db:"execution_id"`
	StepID             string  `db:"step_id"`
	StartedAtEpochMs   int64   `db:"started_at_epoch_ms"`
	CompletedAtEpochMs *int64  `db:"completed_at_epoch_ms"`
	Output             *string `db:"output"`
	Error              *string `db:"error"`
}

func (r *stepResultRow) toDomain() (*dagcore.StepResult, error) {
	sr := &dagcore.StepResult{
		ExecutionID: r.ExecutionID, StepID: r.StepID,
		StartedAtEpochMs: r.StartedAtEpochMs, CompletedAtEpochMs: r.CompletedAtEpochMs,
	}
	if r.Output != nil {
		sr.Output = json.RawMessage(*r.Output)
	}
	if r.Error != nil {
		var ee dagcore.ExecutionError
		if err := json.Unmarshal([]byte(*r.Error), &ee); err != nil {
			return nil, fmt.Errorf("unmarshal step error: %w", err)
		}
		sr.Error = &ee
	}
	return sr, nil
}

const stepResultSelectCols = `execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error`

func (s *SQLiteStore) GetStepResults(ctx context.Context, executionID string) ([]dagcore.StepResult, error) {
	var rows []stepResultRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+stepResultSelectCols+` FROM step_results WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get step results: %w", err)
	}
	results := make([]dagcore.StepResult, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("sqlite: decode step result: %w", err)
		}
		results = append(results, *r)
	}
	return results, nil
}

func (s *SQLiteStore) GetStepResult(ctx context.Context, executionID, stepID string) (*dagcore.StepResult, error) {
	var row stepResultRow
	err := s.db.GetContext(ctx, &row, `SELECT `+stepResultSelectCols+` FROM step_results WHERE execution_id = ? AND step_id = ?`, executionID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get step result: %w", err)
	}
	return row.toDomain()
}

// ClaimStep: SQLite's UPSERT...WHERE clause (3.24+) expresses the same
// new-or-stale predicate as the Postgres/DynamoDB backends.
func (s *SQLiteStore) ClaimStep(ctx context.Context, executionID, stepID string, timeoutMs int64) (*dagcore.StepResult, error) {
	now := dagcore.NowMs(dagcore.SystemClock{})
	staleBefore := now - timeoutMs

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (execution_id, step_id, started_at_epoch_ms)
		 VALUES (?, ?, ?)
		 ON CONFLICT (execution_id, step_id) DO UPDATE
		   SET started_at_epoch_ms = excluded.started_at_epoch_ms
		   WHERE step_results.completed_at_epoch_ms IS NULL
		     AND step_results.started_at_epoch_ms < ?`,
		executionID, stepID, now, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim step rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetStepResult(ctx, executionID, stepID)
}

// UpdateStep: write-once completed_at via the WHERE clause.
func (s *SQLiteStore) UpdateStep(ctx context.Context, executionID, stepID string, patch dagcore.StepResultPatch) (*dagcore.StepResult, error) {
	errPtr, err := executionErrorToPtr(patch.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal step error: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_results SET output = ?, error = ?, completed_at_epoch_ms = ?
		 WHERE execution_id = ? AND step_id = ? AND completed_at_epoch_ms IS NULL`,
		rawMessageToPtr(patch.Output), errPtr, patch.CompletedAtEpochMs, executionID, stepID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: update step rows affected: %w", err)
	}
	if n == 0 {
		return s.GetStepResult(ctx, executionID, stepID)
	}
	return s.GetStepResult(ctx, executionID, stepID)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event dagcore.WorkflowEvent) (*dagcore.WorkflowEvent, error) {
	if event.CreatedAtEpochMs == 0 {
		event.CreatedAtEpochMs = dagcore.NowMs(dagcore.SystemClock{})
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_events (id, execution_id, type, name, payload, created_at, visible_at, consumed_at, source_execution_id)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		event.ID, event.ExecutionID, string(event.Type), event.Name, rawMessageToPtr(event.Payload),
		event.CreatedAtEpochMs, event.VisibleAtEpochMs, event.ConsumedAtEpochMs, event.SourceExecutionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: append event: %w", err)
	}
	out := event
	return &out, nil
}

func (s *SQLiteStore) ConsumeEvent(ctx context.Context, eventID string, nowMs int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_events SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`,
		nowMs, eventID)
	if err != nil {
		return false, fmt.Errorf("sqlite: consume event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: consume event rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) PollEvent(ctx context.Context, executionID string, eventType dagcore.EventType, name string, nowMs int64) (*dagcore.WorkflowEvent, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, execution_id, type, name, payload, created_at, visible_at, consumed_at, source_execution_id
		 FROM workflow_events
		 WHERE execution_id = ? AND type = ? AND name = ?
		   AND consumed_at IS NULL AND (visible_at IS NULL OR visible_at <= ?)
		 ORDER BY created_at ASC LIMIT 1`,
		executionID, string(eventType), name, nowMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite: poll event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var id, execID, typ, evName, sourceExecID string
	var payload *string
	var createdAt int64
	var visibleAt, consumedAt *int64
	if err := rows.Scan(&id, &execID, &typ, &evName, &payload, &createdAt, &visibleAt, &consumedAt, &sourceExecID); err != nil {
		return nil, fmt.Errorf("sqlite: scan event: %w", err)
	}
	e := &dagcore.WorkflowEvent{
		ID: id, ExecutionID: execID, Type: dagcore.EventType(typ), Name: evName,
		CreatedAtEpochMs: createdAt, VisibleAtEpochMs: visibleAt, ConsumedAtEpochMs: consumedAt,
		SourceExecutionID: sourceExecID,
	}
	if payload != nil {
		e.Payload = json.RawMessage(*payload)
	}
	return e, nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(sub) > 0 && len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
