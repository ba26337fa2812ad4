package dagcore

import "encoding/json"

// WorkflowExecution is one run of a Workflow (spec.md §3). Status is
// monotonic except `cancelled -> enqueued` via explicit Resume. Only one
// worker at a time holds it in `running`, enforced by a conditional UPDATE
// in Store.ClaimExecution.
type WorkflowExecution struct {
	ID         string          `json:"id" db:"id"`
	WorkflowID string          `json:"workflowId" db:"workflow_id"`
	Steps      []Step          `json:"steps" db:"steps"`
	Input      json.RawMessage `json:"input" db:"input"`
	Status     ExecutionStatus `json:"status" db:"status"`

	StartAtEpochMs      int64  `json:"startAtEpochMs" db:"start_at_epoch_ms"`
	DeadlineAtEpochMs   *int64 `json:"deadlineAtEpochMs,omitempty" db:"deadline_at_epoch_ms"`
	TimeoutMs           *int64 `json:"timeoutMs,omitempty" db:"timeout_ms"`
	CompletedAtEpochMs  *int64 `json:"completedAtEpochMs,omitempty" db:"completed_at_epoch_ms"`

	Output json.RawMessage `json:"output,omitempty" db:"output"`
	Error  *ExecutionError `json:"error,omitempty" db:"error"`

	CreatedAtEpochMs int64 `json:"createdAt" db:"created_at"`
	UpdatedAtEpochMs int64 `json:"updatedAt" db:"updated_at"`
}

// StepByName returns the execution's denormalized step snapshot for name.
func (e *WorkflowExecution) StepByName(name string) (Step, bool) {
	for _, s := range e.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// StepResult is the per-step checkpoint row, primary-keyed by
// (execution_id, step_id). Its presence means "some worker began this
// step"; completed_at_epoch_ms is write-once (spec.md §3).
type StepResult struct {
	ExecutionID       string          `json:"executionId" db:"execution_id"`
	StepID            string          `json:"stepId" db:"step_id"`
	StartedAtEpochMs  int64           `json:"startedAtEpochMs" db:"started_at_epoch_ms"`
	CompletedAtEpochMs *int64         `json:"completedAtEpochMs,omitempty" db:"completed_at_epoch_ms"`
	Output            json.RawMessage `json:"output,omitempty" db:"output"`
	Error             *ExecutionError `json:"error,omitempty" db:"error"`
}

// Completed reports whether the step result reached a terminal state.
func (r *StepResult) Completed() bool { return r.CompletedAtEpochMs != nil }

// OutputValue parses the persisted output column into a Value, treating an
// absent column as null.
func (r *StepResult) OutputValue() (Value, error) { return ParseValue(r.Output) }

// WorkflowEvent is one row of the append-only signal/timer/message log
// (spec.md §3/§4.5). ConsumedAt is write-once; VisibleAt governs delivery
// eligibility.
type WorkflowEvent struct {
	ID                string          `json:"id" db:"id"`
	ExecutionID       string          `json:"executionId" db:"execution_id"`
	Type              EventType       `json:"type" db:"type"`
	Name              string          `json:"name,omitempty" db:"name"`
	Payload           json.RawMessage `json:"payload,omitempty" db:"payload"`
	CreatedAtEpochMs  int64           `json:"createdAt" db:"created_at"`
	VisibleAtEpochMs  *int64          `json:"visibleAt,omitempty" db:"visible_at"`
	ConsumedAtEpochMs *int64          `json:"consumedAt,omitempty" db:"consumed_at"`
	SourceExecutionID string          `json:"sourceExecutionId,omitempty" db:"source_execution_id"`
}

// Consumed reports whether the event has already been claimed.
func (e *WorkflowEvent) Consumed() bool { return e.ConsumedAtEpochMs != nil }

// Visible reports whether the event is eligible for delivery at nowMs.
func (e *WorkflowEvent) Visible(nowMs int64) bool {
	return e.VisibleAtEpochMs == nil || *e.VisibleAtEpochMs <= nowMs
}
