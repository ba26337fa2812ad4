package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowforge/dagcore"
	"github.com/rs/zerolog"
)

// StepExecutor implements the per-step contract from spec.md §4.4: claim,
// retry-with-backoff, timeout, dispatch by action kind, persist.
type StepExecutor struct {
	Store    dagcore.Store
	Resolver *dagcore.RefResolver
	Tools    dagcore.ToolInvoker
	Code     dagcore.CodeRunner
	Clock    dagcore.Clock
	Logger   zerolog.Logger

	// ClaimTimeoutMs and DefaultStepTimeoutMs come from the Executor's
	// EngineConfig (WithClaimTimeout/WithDefaultStepTimeout); zero means
	// "use the spec default" (dagcore.DefaultStepClaimTimeoutMs /
	// dagcore.DefaultStepTimeoutMs).
	ClaimTimeoutMs       int64
	DefaultStepTimeoutMs int64
}

// Execute runs one step to a terminal outcome (success, propagated
// cancellation/wait, or StepFailedError) and persists the result via Store.
// resolvedInput is the step's @ref-resolved input, already computed by the
// caller (the Executor owns the RefContext, §3's ownership rule).
func (x *StepExecutor) Execute(ctx context.Context, execID string, step dagcore.Step, resolvedInput dagcore.Value) (*dagcore.StepResult, error) {
	if err := x.checkCancellation(ctx, execID); err != nil {
		return nil, err
	}

	if step.Action.Kind == dagcore.ActionSignal {
		return x.executeSignalStep(ctx, execID, step)
	}

	cfg := step.Config.Resolved()
	if step.Config.TimeoutMs <= 0 && x.DefaultStepTimeoutMs > 0 {
		cfg.TimeoutMs = x.DefaultStepTimeoutMs
	}
	claimTimeout := dagcore.DefaultStepClaimTimeoutMs
	if x.ClaimTimeoutMs > 0 {
		claimTimeout = x.ClaimTimeoutMs
	}

	claimed, err := x.Store.ClaimStep(ctx, execID, step.Name, claimTimeout)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		existing, err := x.Store.GetStepResult(ctx, execID, step.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Completed() {
			return existing, nil
		}
		dagcore.LogStepStuck(x.Logger, execID, step.Name)
		return nil, &dagcore.StuckStepError{ExecutionID: execID, StepName: step.Name}
	}

	dagcore.LogStepStarted(x.Logger, execID, step.Name)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffBeforeAttempt(cfg.BackoffMs, attempt)
			dagcore.LogStepRetrying(x.Logger, execID, step.Name, attempt, delay)
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}

		if err := x.checkCancellation(ctx, execID); err != nil {
			return nil, err
		}

		spanCtx, span := startStepSpan(ctx, execID, step.Name, attempt)
		start := time.Now()
		output, attemptErr := x.dispatch(spanCtx, step, resolvedInput, cfg)
		duration := time.Since(start)
		if attemptErr != nil {
			span.RecordError(attemptErr)
		}
		span.End()

		if attemptErr == nil {
			result, err := x.Store.UpdateStep(ctx, execID, step.Name, dagcore.StepResultPatch{
				Output:             json.RawMessage(output.Compact()),
				CompletedAtEpochMs: dagcore.ToPtr(dagcore.NowMs(x.Clock)),
			})
			if err != nil {
				return nil, err
			}
			dagcore.LogStepCompleted(x.Logger, execID, step.Name, duration.Milliseconds())
			return result, nil
		}

		switch classify(attemptErr) {
		case outcomeCancelled, outcomeWaitingForSignal, outcomeDurableSleep:
			return nil, attemptErr
		}

		lastErr = attemptErr
		dagcore.LogStepFailed(x.Logger, execID, step.Name, attemptErr, attempt)
	}

	execErr := dagcore.NewExecutionError(&dagcore.StepFailedError{StepName: step.Name, Cause: lastErr})
	result, err := x.Store.UpdateStep(ctx, execID, step.Name, dagcore.StepResultPatch{
		Error:              execErr,
		CompletedAtEpochMs: dagcore.ToPtr(dagcore.NowMs(x.Clock)),
	})
	if err != nil {
		return nil, err
	}
	return result, &dagcore.StepFailedError{StepName: step.Name, Cause: lastErr}
}

func (x *StepExecutor) checkCancellation(ctx context.Context, execID string) error {
	exec, err := x.Store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status == dagcore.ExecutionCancelled {
		return &dagcore.WorkflowCancelledError{ExecutionID: execID}
	}
	return nil
}

// dispatch runs the action body inside a cancelable scope bounded by
// cfg.TimeoutMs, per spec.md §4.4 step 4.
func (x *StepExecutor) dispatch(ctx context.Context, step dagcore.Step, input dagcore.Value, cfg dagcore.StepConfig) (dagcore.Value, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	var out dagcore.Value
	var err error
	switch step.Action.Kind {
	case dagcore.ActionTool:
		out, err = x.Tools.InvokeTool(timeoutCtx, step.Action.Tool.ConnectionID, step.Action.Tool.ToolName, input)
		if err != nil {
			err = &dagcore.ToolError{ConnectionID: step.Action.Tool.ConnectionID, ToolName: step.Action.Tool.ToolName, Cause: err}
		}
	case dagcore.ActionCode:
		out, err = x.Code.RunCode(timeoutCtx, step.Action.Code.Source, input, step.Name)
		if err != nil {
			err = &dagcore.CodeError{StepName: step.Name, Cause: err}
		}
	default:
		return dagcore.Null, dagcore.NewValidationError("step %q: unsupported action kind %q", step.Name, step.Action.Kind)
	}

	if err != nil && timeoutCtx.Err() == context.DeadlineExceeded {
		return dagcore.Null, dagcore.NewValidationError("step %q timed out after %dms", step.Name, cfg.TimeoutMs)
	}
	return out, err
}

// executeSignalStep implements §4.5's Signal/Timer poll. Signal steps call
// ClaimStep only to seed a started_at marker (with a window that never goes
// stale); the event log's conditional consume is what coordinates workers.
func (x *StepExecutor) executeSignalStep(ctx context.Context, execID string, step dagcore.Step) (*dagcore.StepResult, error) {
	sig := step.Action.Signal
	now := dagcore.NowMs(x.Clock)

	// Seed (or read back) a started_at marker so the timeout check below
	// survives worker restarts — claimed with an effectively-unbounded
	// staleness window since signal waits are cooperative, never stuck.
	const neverStaleMs = int64(1) << 62
	if _, err := x.Store.ClaimStep(ctx, execID, step.Name, neverStaleMs); err != nil {
		return nil, err
	}
	waitStartedAt := now
	if existing, err := x.Store.GetStepResult(ctx, execID, step.Name); err == nil && existing != nil {
		waitStartedAt = existing.StartedAtEpochMs
	}

	eventType := dagcore.EventTypeSignal
	name := sig.SignalName
	if sig.IsDurableSleep() {
		eventType = dagcore.EventTypeTimer
		name = step.Name
	}

	retried := false
	for {
		event, err := x.Store.PollEvent(ctx, execID, eventType, name, now)
		if err != nil {
			return nil, err
		}
		if event == nil {
			if sig.IsDurableSleep() {
				return nil, &dagcore.DurableSleepError{ExecutionID: execID, StepName: step.Name, WakeAtMs: sig.WakeAtEpochMs}
			}
			if sig.TimeoutMs > 0 && now-waitStartedAt > sig.TimeoutMs {
				result, err := x.Store.UpdateStep(ctx, execID, step.Name, dagcore.StepResultPatch{
					Error:              dagcore.NewExecutionError(dagcore.NewValidationError("signal timeout")),
					CompletedAtEpochMs: dagcore.ToPtr(now),
				})
				return result, err
			}
			return nil, &dagcore.WaitingForSignalError{ExecutionID: execID, StepName: step.Name, SignalName: sig.SignalName, TimeoutMs: sig.TimeoutMs, WaitStartedAt: waitStartedAt}
		}

		consumed, err := x.Store.ConsumeEvent(ctx, event.ID, now)
		if err != nil {
			return nil, err
		}
		if !consumed {
			if retried {
				// lost the race twice: pause, and let a later delivery poll again
				if sig.IsDurableSleep() {
					return nil, &dagcore.DurableSleepError{ExecutionID: execID, StepName: step.Name, WakeAtMs: sig.WakeAtEpochMs}
				}
				return nil, &dagcore.WaitingForSignalError{ExecutionID: execID, StepName: step.Name, SignalName: sig.SignalName, TimeoutMs: sig.TimeoutMs, WaitStartedAt: waitStartedAt}
			}
			retried = true
			continue // another worker won the race; retry the poll once
		}

		return x.Store.UpdateStep(ctx, execID, step.Name, dagcore.StepResultPatch{
			Output:             event.Payload,
			CompletedAtEpochMs: dagcore.ToPtr(now),
		})
	}
}
