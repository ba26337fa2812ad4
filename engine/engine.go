// Package engine implements the top-level orchestrator (spec.md §4.6): it
// claims an execution, builds a RefContext, validates the workflow's DAG,
// fans pending steps out level by level through StepExecutor, and finalizes
// the execution row.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/flowforge/dagcore"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Executor is the top-level orchestrator a Dispatcher invokes once per
// delivery. It is safe for concurrent use: all mutable state lives in the
// store and in the per-call RefContext.
type Executor struct {
	store    dagcore.Store
	resolver *dagcore.RefResolver
	analyzer *dagcore.DAGAnalyzer
	stepExec *StepExecutor
	clock    dagcore.Clock
	logger   zerolog.Logger
	config   dagcore.EngineConfig
}

// NewExecutor wires an Executor against a Store and the host-provided
// ports. It always uses dagcore.SystemClock{} as its clock.
func NewExecutor(store dagcore.Store, tools dagcore.ToolInvoker, code dagcore.CodeRunner, opts ...dagcore.EngineOption) *Executor {
	config := dagcore.DefaultEngineConfig
	for _, opt := range opts {
		opt(&config)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)

	clock := dagcore.Clock(dagcore.SystemClock{})
	resolver := dagcore.NewRefResolver()

	return &Executor{
		store:    store,
		resolver: resolver,
		analyzer: dagcore.NewDAGAnalyzer(),
		clock:    clock,
		logger:   logger,
		config:   config,
		stepExec: &StepExecutor{
			Store: store, Resolver: resolver, Tools: tools, Code: code, Clock: clock, Logger: logger,
			ClaimTimeoutMs:       config.ClaimTimeout.Milliseconds(),
			DefaultStepTimeoutMs: config.DefaultStepTimeout.Milliseconds(),
		},
	}
}

// WithLogger overrides the Executor's logger (and propagates it to the
// StepExecutor).
func (e *Executor) WithLogger(logger zerolog.Logger) *Executor {
	e.logger = logger
	e.stepExec.Logger = logger
	return e
}

// Run executes (or resumes) one execution attempt to completion or to a
// resumable pause point, per spec.md §4.6.
func (e *Executor) Run(ctx context.Context, executionID string) (dagcore.RunOutcomeStatus, error) {
	exec, err := e.store.ClaimExecution(ctx, executionID)
	if err != nil {
		return dagcore.OutcomeError, err
	}
	if exec == nil {
		// claim_execution only flips enqueued -> running, so a redelivery
		// arriving while the row is already running (a waiting-for-signal
		// or waiting-for-timer resumption, or a duplicate at-least-once
		// delivery) finds nothing to claim. Per-step coordination already
		// happens through claim_step, so it's safe to just continue
		// against the existing running row instead of treating this as a
		// skip; only a terminal row is genuinely nothing to do.
		current, getErr := e.store.GetExecution(ctx, executionID)
		if getErr != nil || current == nil || current.Status != dagcore.ExecutionRunning {
			dagcore.LogExecutionSkipped(e.logger, executionID)
			return dagcore.OutcomeSkipped, nil
		}
		exec = current
	}
	dagcore.LogExecutionClaimed(e.logger, executionID, exec.WorkflowID)

	ctx, span := startExecutionSpan(ctx, executionID, exec.WorkflowID)
	defer span.End()

	wf := &dagcore.Workflow{ID: exec.WorkflowID, Steps: exec.Steps}

	input, _ := dagcore.ParseValue(exec.Input)
	stepOutputs, err := e.loadStepOutputs(ctx, executionID)
	if err != nil {
		return e.failTerminal(ctx, executionID, err)
	}
	refCtx := dagcore.NewRefContext(input, stepOutputs)

	analysis, err := e.analyzer.Analyze(wf)
	if err != nil {
		return e.failTerminal(ctx, executionID, err)
	}

	skippedBranchRoots := make(map[string]bool)
	var completedNames, skippedNames []string
	var lastStep string

	for _, group := range analysis.Groups {
		pending := make([]dagcore.Step, 0, len(group))
		for _, s := range group {
			if _, done := stepOutputs[s.Name]; done {
				completedNames = append(completedNames, s.Name)
				continue
			}
			pending = append(pending, s)
		}
		if len(pending) == 0 {
			continue
		}

		outcomes, err := e.runLevel(ctx, executionID, pending, refCtx, analysis.BranchMembership, skippedBranchRoots)
		if err != nil {
			return e.handleRunError(ctx, executionID, err)
		}

		for _, o := range outcomes {
			stepOutputs[o.stepName] = o.output
			refCtx.StepOutputs = stepOutputs
			lastStep = o.stepName
			if o.skipped {
				skippedNames = append(skippedNames, o.stepName)
				if isBranchRoot(wf, o.stepName) {
					skippedBranchRoots[o.stepName] = true
				}
			} else {
				completedNames = append(completedNames, o.stepName)
			}
		}
	}

	summary := dagcore.ObjectValue(map[string]dagcore.Value{
		"completedSteps": dagcore.NumberValue(float64(len(completedNames))),
		"skippedSteps":   dagcore.NumberValue(float64(len(skippedNames))),
		"lastStep":       dagcore.StringValue(lastStep),
		"message":        dagcore.StringValue("execution completed successfully"),
	})
	now := dagcore.NowMs(e.clock)
	status := dagcore.ExecutionSuccess
	_, err = e.store.UpdateExecution(ctx, executionID, dagcore.ExecutionPatch{
		Status:             &status,
		Output:             json.RawMessage(summary.Compact()),
		CompletedAtEpochMs: dagcore.ToPtr(now),
	})
	if err != nil {
		return dagcore.OutcomeError, err
	}
	dagcore.LogExecutionCompleted(e.logger, executionID, time.Duration(now-exec.StartAtEpochMs)*time.Millisecond)
	return dagcore.OutcomeSuccess, nil
}

func isBranchRoot(wf *dagcore.Workflow, name string) bool {
	s, ok := wf.StepByName(name)
	return ok && s.If != nil
}

type stepOutcome struct {
	stepName string
	output   dagcore.Value
	skipped  bool
}

// runLevel fans pending out in parallel, bounded by
// config.MaxConcurrentExecutions, per spec.md §4.6 step 5b. The first
// propagated error cancels the level's context; Wait still lets sibling
// steps already in flight finish, but runLevel then returns no results, so
// Run merges none of them. Whatever those siblings persisted stays in the
// store and is loaded by the next Run.
func (e *Executor) runLevel(ctx context.Context, executionID string, pending []dagcore.Step, refCtx dagcore.RefContext, membership map[string]string, skippedRoots map[string]bool) ([]stepOutcome, error) {
	limit := e.config.MaxConcurrentExecutions
	if limit <= 0 {
		limit = len(pending)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	results := make([]stepOutcome, len(pending))
	for i, step := range pending {
		i, step := i, step
		g.Go(func() error {
			outcome, err := e.runOneStep(gctx, executionID, step, refCtx, membership, skippedRoots)
			if err != nil {
				return err
			}
			results[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Executor) runOneStep(ctx context.Context, executionID string, step dagcore.Step, refCtx dagcore.RefContext, membership map[string]string, skippedRoots map[string]bool) (stepOutcome, error) {
	if root, ok := membership[step.Name]; ok && skippedRoots[root] {
		return e.skipStep(ctx, executionID, step, "branch root "+root+" was skipped")
	}

	if step.If != nil {
		satisfied, err := dagcore.EvaluateCondition(e.resolver, *step.If, refCtx)
		if err == nil && !satisfied {
			return e.skipStep(ctx, executionID, step, "condition not satisfied")
		}
		// fail open: evaluation errors do not skip (§4.2)
	}

	if step.Config.Loop != nil && step.Config.Loop.For != nil {
		return e.runForEachStep(ctx, executionID, step, refCtx)
	}

	resolved, _ := e.resolver.ResolveAllRefs(step.Input, refCtx)
	result, err := e.stepExec.Execute(ctx, executionID, step, resolved)
	if err != nil {
		return stepOutcome{}, err
	}
	output, _ := result.OutputValue()
	return stepOutcome{stepName: step.Name, output: output}, nil
}

func (e *Executor) skipStep(ctx context.Context, executionID string, step dagcore.Step, reason string) (stepOutcome, error) {
	dagcore.LogStepSkipped(e.logger, executionID, step.Name, reason)
	skipped := dagcore.ObjectValue(map[string]dagcore.Value{
		"_skipped": dagcore.BoolValue(true),
		"reason":   dagcore.StringValue(reason),
	})
	if _, err := e.store.ClaimStep(ctx, executionID, step.Name, dagcore.DefaultStepClaimTimeoutMs); err != nil {
		return stepOutcome{}, err
	}
	if _, err := e.store.UpdateStep(ctx, executionID, step.Name, dagcore.StepResultPatch{
		Output:             json.RawMessage(skipped.Compact()),
		CompletedAtEpochMs: dagcore.ToPtr(dagcore.NowMs(e.clock)),
	}); err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{stepName: step.Name, output: skipped, skipped: true}, nil
}

// runForEachStep implements §4.6's forEach handling: resolve items to an
// array, run one synthetic "<name>[i]" step per element, collect outputs in
// input order under the parent's name.
func (e *Executor) runForEachStep(ctx context.Context, executionID string, step dagcore.Step, refCtx dagcore.RefContext) (stepOutcome, error) {
	itemsVal, errs := e.resolver.ResolveAllRefs(step.Config.Loop.For.Items, refCtx)
	if len(errs) > 0 {
		return stepOutcome{}, errs[0]
	}
	items, err := extractForEachItems(itemsVal)
	if err != nil {
		return stepOutcome{}, err
	}

	limit := step.Config.Loop.For.Limit
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	items = items[:limit]

	outputs := make([]dagcore.Value, limit)
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			iterCtx := refCtx.WithItem(item, i)
			iterStep := step
			iterStep.Name = fmt.Sprintf("%s[%d]", step.Name, i)
			resolved, _ := e.resolver.ResolveAllRefs(step.Input, iterCtx)
			result, err := e.stepExec.Execute(gctx, executionID, iterStep, resolved)
			if err != nil {
				return err
			}
			outputs[i], _ = result.OutputValue()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stepOutcome{}, err
	}

	aggregate := dagcore.ArrayValue(outputs)
	if _, err := e.store.ClaimStep(ctx, executionID, step.Name, dagcore.DefaultStepClaimTimeoutMs); err != nil {
		return stepOutcome{}, err
	}
	if _, err := e.store.UpdateStep(ctx, executionID, step.Name, dagcore.StepResultPatch{
		Output:             json.RawMessage(aggregate.Compact()),
		CompletedAtEpochMs: dagcore.ToPtr(dagcore.NowMs(e.clock)),
	}); err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{stepName: step.Name, output: aggregate}, nil
}

// extractForEachItems accepts either a bare array, or the
// `{content:[{text:"[json]"}]}` convenience shape called out in spec.md
// §4.6, where text is itself a JSON-encoded array.
func extractForEachItems(v dagcore.Value) ([]dagcore.Value, error) {
	if v.IsArray() {
		return v.Array(), nil
	}
	if v.IsObject() {
		if content, ok := v.Field("content"); ok && content.IsArray() && len(content.Array()) > 0 {
			first := content.Array()[0]
			if text, ok := first.Field("text"); ok && text.IsString() {
				parsed, err := dagcore.ParseValue([]byte(text.Str()))
				if err != nil {
					return nil, err
				}
				if parsed.IsArray() {
					return parsed.Array(), nil
				}
			}
		}
	}
	return nil, dagcore.NewValidationError("forEach items did not resolve to an array")
}

func (e *Executor) loadStepOutputs(ctx context.Context, executionID string) (map[string]dagcore.Value, error) {
	results, err := e.store.GetStepResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].StartedAtEpochMs < results[j].StartedAtEpochMs })

	out := make(map[string]dagcore.Value, len(results))
	for _, r := range results {
		if !r.Completed() {
			continue
		}
		v, err := r.OutputValue()
		if err != nil {
			return nil, err
		}
		out[r.StepID] = v
	}
	return out, nil
}

// handleRunError maps a propagated step-level error to the RunOutcomeStatus
// and execution-row side effect spec.md §4.6 prescribes.
func (e *Executor) handleRunError(ctx context.Context, executionID string, err error) (dagcore.RunOutcomeStatus, error) {
	switch classify(err) {
	case outcomeCancelled:
		status := dagcore.ExecutionCancelled
		now := dagcore.NowMs(e.clock)
		if _, uerr := e.store.UpdateExecution(ctx, executionID, dagcore.ExecutionPatch{Status: &status, CompletedAtEpochMs: dagcore.ToPtr(now)}); uerr != nil {
			dagcore.LogPersistenceError(e.logger, executionID, "update_execution_cancelled", uerr)
		}
		dagcore.LogExecutionCancelled(e.logger, executionID)
		return dagcore.OutcomeCancelled, err
	case outcomeWaitingForSignal:
		dagcore.LogExecutionWaiting(e.logger, executionID, dagcore.OutcomeWaitingForSignal)
		return dagcore.OutcomeWaitingForSignal, err
	case outcomeDurableSleep:
		dagcore.LogExecutionWaiting(e.logger, executionID, dagcore.OutcomeDurableSleep)
		return dagcore.OutcomeDurableSleep, err
	case outcomeStuckStep:
		// Resumed later by a rescheduled delivery (events.Dispatcher); the
		// execution row is left running, untouched.
		return dagcore.OutcomeError, err
	default:
		return e.failTerminal(ctx, executionID, err)
	}
}

func (e *Executor) failTerminal(ctx context.Context, executionID string, err error) (dagcore.RunOutcomeStatus, error) {
	status := dagcore.ExecutionError
	execErr := dagcore.NewExecutionError(err)
	now := dagcore.NowMs(e.clock)
	if _, uerr := e.store.UpdateExecution(ctx, executionID, dagcore.ExecutionPatch{Status: &status, Error: execErr, CompletedAtEpochMs: dagcore.ToPtr(now)}); uerr != nil {
		dagcore.LogPersistenceError(e.logger, executionID, "update_execution_failed", uerr)
	}
	dagcore.LogExecutionFailed(e.logger, executionID, err)
	return dagcore.OutcomeError, err
}

// Cancel flips an execution to cancelled via the conditional UPDATE in
// Store.CancelExecution. An already-running step completes normally; no
// further step is claimed afterward (spec.md §5).
func (e *Executor) Cancel(ctx context.Context, executionID string) (*dagcore.WorkflowExecution, error) {
	return e.store.CancelExecution(ctx, executionID)
}

// Resume flips a cancelled execution back to enqueued so a later delivery
// re-enters Run.
func (e *Executor) Resume(ctx context.Context, executionID string) (*dagcore.WorkflowExecution, error) {
	return e.store.ResumeExecution(ctx, executionID)
}
