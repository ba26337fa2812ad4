package dagcore

import (
	"time"

	"github.com/go-faster/errors"
)

// Error codes — the taxonomy from spec.md §7. These are kinds, not concrete
// types: ValidationError and StepFailed are terminal, WaitingForSignal /
// DurableSleep / StuckStepError are resumable, the rest are attempt
// failures subject to per-step retry.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecutionNotFound = "EXECUTION_NOT_FOUND"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeWaitingForSignal  = "WAITING_FOR_SIGNAL"
	ErrCodeDurableSleep      = "DURABLE_SLEEP"
	ErrCodeStuckStep         = "STUCK_STEP"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeToolError         = "TOOL_ERROR"
	ErrCodeCodeError         = "CODE_ERROR"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// ValidationError is raised for DAG cycles, duplicate step names, and bad
// refs. It fails the execution terminally.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "[" + ErrCodeValidation + "] " + e.Message }

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: errors.Errorf(format, args...).Error()}
}

// ExecutionNotFoundError is reported when a claim targets a missing row; it
// is never written back to the store.
type ExecutionNotFoundError struct {
	ExecutionID string
}

func (e *ExecutionNotFoundError) Error() string {
	return "[" + ErrCodeExecutionNotFound + "] execution " + e.ExecutionID + " not found"
}

// WorkflowCancelledError is raised when the cancellation gate observes a
// cancelled execution.
type WorkflowCancelledError struct {
	ExecutionID string
}

func (e *WorkflowCancelledError) Error() string {
	return "[" + ErrCodeCancelled + "] execution " + e.ExecutionID + " cancelled"
}

// WaitingForSignalError pauses the execution; the Executor leaves the row
// running and returns without a terminal write.
type WaitingForSignalError struct {
	ExecutionID   string
	StepName      string
	SignalName    string
	TimeoutMs     int64
	WaitStartedAt int64
}

func (e *WaitingForSignalError) Error() string {
	return "[" + ErrCodeWaitingForSignal + "] step " + e.StepName + " waiting on signal " + e.SignalName
}

// DurableSleepError is WaitingForSignalError's timer counterpart: the step
// is waiting for a future-dated timer event to become visible.
type DurableSleepError struct {
	ExecutionID string
	StepName    string
	WakeAtMs    int64
}

func (e *DurableSleepError) Error() string {
	return "[" + ErrCodeDurableSleep + "] step " + e.StepName + " sleeping until wake time"
}

// StuckStepError is raised when ClaimStep loses to a live claim still
// within its timeout window. The caller schedules a short retry delivery
// and must NOT write a terminal error to the execution row.
type StuckStepError struct {
	ExecutionID string
	StepName    string
}

func (e *StuckStepError) Error() string {
	return "[" + ErrCodeStuckStep + "] step " + e.StepName + " is claimed by a live worker"
}

// StepFailedError is terminal: a step exhausted its retries.
type StepFailedError struct {
	StepName string
	Cause    error
}

func (e *StepFailedError) Error() string {
	return "[" + ErrCodeStepFailed + "] step " + e.StepName + " failed: " + e.Cause.Error()
}

func (e *StepFailedError) Unwrap() error { return e.Cause }

// ToolError / CodeError wrap a port failure. Counted as an attempt failure,
// retried per the step's config.
type ToolError struct {
	ConnectionID string
	ToolName     string
	Cause        error
}

func (e *ToolError) Error() string {
	return "[" + ErrCodeToolError + "] tool " + e.ToolName + ": " + e.Cause.Error()
}

func (e *ToolError) Unwrap() error { return e.Cause }

type CodeError struct {
	StepName string
	Cause    error
}

func (e *CodeError) Error() string {
	return "[" + ErrCodeCodeError + "] code step " + e.StepName + ": " + e.Cause.Error()
}

func (e *CodeError) Unwrap() error { return e.Cause }

// ExecutionError is the structured shape persisted to an execution or step
// result row's error column.
type ExecutionError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Step      string                 `json:"step,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e.Step != "" {
		return "[" + e.Code + "] " + e.Message + " (step: " + e.Step + ")"
	}
	return "[" + e.Code + "] " + e.Message
}

// NewExecutionError classifies a raw Go error into the persisted shape. It
// does not itself decide retry/terminal behavior — that's ErrorClassifier's
// job (engine/classifier.go); this is the row representation.
func NewExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	code := ErrCodeInternal
	switch err.(type) {
	case *ValidationError:
		code = ErrCodeValidation
	case *StepFailedError:
		code = ErrCodeStepFailed
	case *ToolError:
		code = ErrCodeToolError
	case *CodeError:
		code = ErrCodeCodeError
	case *WorkflowCancelledError:
		code = ErrCodeCancelled
	}
	return &ExecutionError{
		Message:   err.Error(),
		Code:      code,
		Timestamp: time.Now(),
	}
}

// RefResolutionError records a failed traversal during ref resolution
// (§4.2). Resolution is best-effort: callers see both the partially
// resolved value and the accumulated error list.
type RefResolutionError struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

func (e RefResolutionError) Error() string {
	return "ref " + e.Ref + ": " + e.Reason
}
