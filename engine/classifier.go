package engine

import (
	"context"
	"errors"

	"github.com/flowforge/dagcore"
)

// outcomeKind is the ErrorClassifier's verdict on a raw error surfaced
// during step execution (spec.md §7).
type outcomeKind int

const (
	outcomeRetryable outcomeKind = iota
	outcomeCancelled
	outcomeWaitingForSignal
	outcomeDurableSleep
	outcomeStuckStep
	outcomeTerminal
)

// classify maps a raw error from the action dispatch (or the cancellation
// gate, or Store.ClaimStep) into the taxonomy from spec.md §7. The
// StepExecutor's attempt loop returns cancelled, waiting-for-signal and
// durable-sleep outcomes at once; every other kind, terminal and stuck-step
// included (e.g. the dispatch timeout's ValidationError), counts as a failed
// attempt and is retried while attempts remain.
func classify(err error) outcomeKind {
	if err == nil {
		return outcomeRetryable
	}
	switch {
	case errors.Is(err, context.Canceled):
		return outcomeCancelled
	}
	var cancelled *dagcore.WorkflowCancelledError
	if errors.As(err, &cancelled) {
		return outcomeCancelled
	}
	var waiting *dagcore.WaitingForSignalError
	if errors.As(err, &waiting) {
		return outcomeWaitingForSignal
	}
	var sleeping *dagcore.DurableSleepError
	if errors.As(err, &sleeping) {
		return outcomeDurableSleep
	}
	var stuck *dagcore.StuckStepError
	if errors.As(err, &stuck) {
		return outcomeStuckStep
	}
	var validation *dagcore.ValidationError
	if errors.As(err, &validation) {
		return outcomeTerminal
	}
	return outcomeRetryable
}
