package dagcore

// ExecutionStatus is the lifecycle state of a WorkflowExecution (spec.md §3).
type ExecutionStatus string

const (
	ExecutionEnqueued  ExecutionStatus = "enqueued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionError || s == ExecutionCancelled
}

func (s ExecutionStatus) String() string { return string(s) }

// EventType enumerates WorkflowEvent.Type values (spec.md §3/§6).
type EventType string

const (
	EventTypeSignal            EventType = "signal"
	EventTypeTimer             EventType = "timer"
	EventTypeMessage           EventType = "message"
	EventTypeOutput            EventType = "output"
	EventTypeStepStarted       EventType = "step_started"
	EventTypeStepCompleted     EventType = "step_completed"
	EventTypeWorkflowStarted   EventType = "workflow_started"
	EventTypeWorkflowCompleted EventType = "workflow_completed"
)

// DeliveryType enumerates the message-bus delivery kinds the engine
// consumes and publishes (spec.md §6).
type DeliveryType string

const (
	DeliveryExecutionCreated DeliveryType = "workflow.execution.created"
	DeliveryExecutionRetry   DeliveryType = "workflow.execution.retry"
	DeliverySignalSent       DeliveryType = "workflow.signal.sent"
	DeliveryTimerScheduled   DeliveryType = "timer.scheduled"
)

// RunOutcomeStatus is the result handed back to the Scheduler/Dispatcher by
// one Executor.Run attempt — distinct from ExecutionStatus because some
// outcomes (skipped, waiting_for_signal, durable_sleep) never touch the
// execution row's terminal status.
type RunOutcomeStatus string

const (
	OutcomeSkipped          RunOutcomeStatus = "skipped"
	OutcomeSuccess          RunOutcomeStatus = "success"
	OutcomeError            RunOutcomeStatus = "error"
	OutcomeCancelled        RunOutcomeStatus = "cancelled"
	OutcomeWaitingForSignal RunOutcomeStatus = "waiting_for_signal"
	OutcomeDurableSleep     RunOutcomeStatus = "durable_sleep"
)
