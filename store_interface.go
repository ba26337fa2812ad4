package dagcore

import (
	"context"
	"encoding/json"
)

// ExecutionFilter narrows ListExecutions. Zero values mean "no filter" on
// that field.
type ExecutionFilter struct {
	WorkflowID string
	Status     ExecutionStatus
}

// Page requests a bounded slice of a filtered, creation-ordered result set.
type Page struct {
	Limit  int
	Offset int
}

// ListResult pairs one page of executions with the total row count under
// the same filter (resolved Open Question: a genuine COUNT(*), not the page
// length — spec.md §9).
type ListResult struct {
	Executions []WorkflowExecution
	TotalCount int
}

// Store is the persistence contract every backend (Postgres, SQLite,
// DynamoDB, in-memory) implements identically (spec.md §4.1). Safety rests
// on three conditional writes — ClaimExecution, ClaimStep, UpdateStep —
// each a single atomic predicate encoding the whole invariant; there are no
// application-level locks.
type Store interface {
	// CreateExecution inserts a new row in status enqueued (spec.md §3's
	// lifecycle start). The caller (cmd/server, or a test harness) assigns
	// ID; an existing ID is a conflict error.
	CreateExecution(ctx context.Context, exec WorkflowExecution) (*WorkflowExecution, error)

	// ClaimExecution atomically flips status enqueued -> running. Returns
	// (nil, nil) when the claim fails (already running, or terminal).
	ClaimExecution(ctx context.Context, id string) (*WorkflowExecution, error)

	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter, page Page) (ListResult, error)
	UpdateExecution(ctx context.Context, id string, patch ExecutionPatch) (*WorkflowExecution, error)

	// CancelExecution is conditional on status IN (enqueued, running).
	CancelExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	// ResumeExecution is conditional on status = cancelled; resets
	// completed_at to nil and status to enqueued.
	ResumeExecution(ctx context.Context, id string) (*WorkflowExecution, error)

	GetStepResults(ctx context.Context, executionID string) ([]StepResult, error)
	GetStepResult(ctx context.Context, executionID, stepID string) (*StepResult, error)

	// ClaimStep is the idempotent stale-claim upsert (spec.md §4.1): it
	// succeeds when the row is new, or when the existing row is
	// incomplete and its claim has expired. An empty return with a nil
	// error means no progress is possible — the caller must distinguish
	// "already complete" (reread via GetStepResult) from "claimed by a
	// live worker" (StuckStepError).
	ClaimStep(ctx context.Context, executionID, stepID string, timeoutMs int64) (*StepResult, error)

	// UpdateStep is a conditional UPDATE that must never overwrite a row
	// whose CompletedAtEpochMs is already set. Zero rows affected means
	// the caller should re-read and return the existing completed row.
	UpdateStep(ctx context.Context, executionID, stepID string, patch StepResultPatch) (*StepResult, error)

	// AppendEvent inserts a new WorkflowEvent row (signal send, timer
	// schedule, or lifecycle event).
	AppendEvent(ctx context.Context, event WorkflowEvent) (*WorkflowEvent, error)
	// ConsumeEvent performs the conditional UPDATE consumed_at = now WHERE
	// id = ? AND consumed_at IS NULL. Zero rows affected (false) means
	// another worker already consumed it.
	ConsumeEvent(ctx context.Context, eventID string, nowMs int64) (bool, error)
	// PollEvent returns the oldest unconsumed, currently-visible event
	// matching (executionID, type, name), or nil when none match.
	PollEvent(ctx context.Context, executionID string, eventType EventType, name string, nowMs int64) (*WorkflowEvent, error)
}

// ExecutionPatch is a partial update to a WorkflowExecution row. Nil fields
// are left untouched.
type ExecutionPatch struct {
	Status             *ExecutionStatus
	Output             json.RawMessage
	Error              *ExecutionError
	CompletedAtEpochMs *int64
	DeadlineAtEpochMs  *int64
}

// StepResultPatch is a partial update to a StepResult row.
type StepResultPatch struct {
	Output             json.RawMessage
	Error              *ExecutionError
	CompletedAtEpochMs *int64
}
