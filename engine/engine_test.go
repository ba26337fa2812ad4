package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flowforge/dagcore"
	"github.com/flowforge/dagcore/builder"
	"github.com/flowforge/dagcore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTools is a canned ToolInvoker keyed by toolName, standing in for a
// real transport the way the teacher's table-driven step functions stand in
// for a live API call.
type fakeTools map[string]dagcore.Value

func (f fakeTools) InvokeTool(ctx context.Context, connectionID, toolName string, input dagcore.Value) (dagcore.Value, error) {
	out, ok := f[toolName]
	if !ok {
		return dagcore.Null, dagcore.NewValidationError("no canned output for tool %q", toolName)
	}
	return out, nil
}

// fakeCode multiplies input.value by 10 — just enough arithmetic to drive
// the S6 forEach scenario without pulling gojq into the core engine's test
// suite (examples/codehost exercises the real thing separately).
type fakeCode struct{}

func (fakeCode) RunCode(ctx context.Context, source string, input dagcore.Value, stepName string) (dagcore.Value, error) {
	v, ok := input.Field("value")
	if !ok || !v.IsNumber() {
		return dagcore.Null, dagcore.NewValidationError("fakeCode: step %q input missing numeric 'value'", stepName)
	}
	return dagcore.NumberValue(v.Number() * 10), nil
}

// testBackends names the two store backends spec.md §8 requires the
// scenario suite to run against without external infra: MemoryStore and a
// SQLiteStore over an in-memory database.
var testBackends = []string{"memory", "sqlite"}

func newTestStore(t *testing.T, backend string) dagcore.Store {
	t.Helper()
	switch backend {
	case "memory":
		return store.NewMemoryStore(dagcore.SystemClock{})
	case "sqlite":
		s, err := store.Open(":memory:")
		require.NoError(t, err)
		require.NoError(t, s.Init(context.Background()))
		t.Cleanup(func() { _ = s.Close() })
		return s
	default:
		t.Fatalf("unknown test backend %q", backend)
		return nil
	}
}

func newTestExecutor(t *testing.T, backend string, tools fakeTools) (*Executor, dagcore.Store) {
	t.Helper()
	s := newTestStore(t, backend)
	return NewExecutor(s, tools, fakeCode{}), s
}

func createExecution(t *testing.T, s dagcore.Store, wf *dagcore.Workflow, input interface{}) string {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)

	id := "exec-" + wf.ID
	_, err = s.CreateExecution(context.Background(), dagcore.WorkflowExecution{
		ID: id, WorkflowID: wf.ID, Steps: wf.Steps, Input: raw, Status: dagcore.ExecutionEnqueued,
	})
	require.NoError(t, err)
	return id
}

// S1 — Linear success: a -> b -> c, each reading the previous step's output.
func TestScenario_S1_LinearSuccess(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			tools := fakeTools{
				"toolA": dagcore.ObjectValue(map[string]dagcore.Value{"x": dagcore.NumberValue(1)}),
				"toolB": dagcore.ObjectValue(map[string]dagcore.Value{"y": dagcore.NumberValue(2)}),
				"toolC": dagcore.ObjectValue(map[string]dagcore.Value{"z": dagcore.NumberValue(3)}),
			}
			e, s := newTestExecutor(t, backend, tools)

			wf, err := builder.NewWorkflow("s1").
				AddStep(builder.ToolStep("a", "conn", "toolA", nil)).
				AddStep(builder.ToolStep("b", "conn", "toolB", map[string]string{"x": "@a.x"})).
				AddStep(builder.ToolStep("c", "conn", "toolC", map[string]string{"y": "@b.y"})).
				Build()
			require.NoError(t, err)

			id := createExecution(t, s, wf, nil)
			outcome, err := e.Run(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, dagcore.OutcomeSuccess, outcome)

			exec, err := s.GetExecution(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, dagcore.ExecutionSuccess, exec.Status)

			result, err := s.GetStepResult(context.Background(), id, "c")
			require.NoError(t, err)
			require.NotNil(t, result)
			v, err := result.OutputValue()
			require.NoError(t, err)
			z, ok := v.Field("z")
			require.True(t, ok)
			assert.Equal(t, float64(3), z.Number())
		})
	}
}

// S2 — Fan-out/join: root feeds l1 and l2 (same level, run concurrently),
// join reads both.
func TestScenario_S2_FanOutJoin(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			tools := fakeTools{
				"toolRoot": dagcore.ObjectValue(map[string]dagcore.Value{"seed": dagcore.NumberValue(42)}),
				"toolL1":   dagcore.NumberValue(1),
				"toolL2":   dagcore.NumberValue(2),
				"toolJoin": dagcore.ObjectValue(map[string]dagcore.Value{"joined": dagcore.BoolValue(true)}),
			}
			e, s := newTestExecutor(t, backend, tools)

			wf, err := builder.NewWorkflow("s2").
				AddStep(builder.ToolStep("root", "conn", "toolRoot", nil)).
				AddStep(builder.ToolStep("l1", "conn", "toolL1", map[string]string{"seed": "@root.seed"})).
				AddStep(builder.ToolStep("l2", "conn", "toolL2", map[string]string{"seed": "@root.seed"})).
				AddStep(builder.ToolStep("join", "conn", "toolJoin", map[string]string{"a": "@l1", "b": "@l2"})).
				Build()
			require.NoError(t, err)

			analysis, err := dagcore.NewDAGAnalyzer().Analyze(wf)
			require.NoError(t, err)
			assert.Equal(t, 0, analysis.Level["root"])
			assert.Equal(t, 1, analysis.Level["l1"])
			assert.Equal(t, 1, analysis.Level["l2"])
			assert.Equal(t, 2, analysis.Level["join"])

			id := createExecution(t, s, wf, nil)
			outcome, err := e.Run(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, dagcore.OutcomeSuccess, outcome)
		})
	}
}

// S3 — Branch skip: decide returns {ok:false}; branch's `if` fails, so
// branch and leaf (which depends on branch) are both skipped, but the
// execution still completes successfully.
func TestScenario_S3_BranchSkip(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			tools := fakeTools{
				"toolDecide": dagcore.ObjectValue(map[string]dagcore.Value{"ok": dagcore.BoolValue(false)}),
				"toolBranch": dagcore.ObjectValue(map[string]dagcore.Value{"taken": dagcore.BoolValue(true)}),
				"toolLeaf":   dagcore.ObjectValue(map[string]dagcore.Value{"done": dagcore.BoolValue(true)}),
			}
			e, s := newTestExecutor(t, backend, tools)

			wf, err := builder.NewWorkflow("s3").
				AddStep(builder.ToolStep("decide", "conn", "toolDecide", nil)).
				AddStep(builder.ToolStep("branch", "conn", "toolBranch", nil,
					builder.If(dagcore.Condition{Ref: "@decide.ok", Value: true}))).
				AddStep(builder.ToolStep("leaf", "conn", "toolLeaf", map[string]string{"b": "@branch"})).
				Build()
			require.NoError(t, err)

			id := createExecution(t, s, wf, nil)
			outcome, err := e.Run(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, dagcore.OutcomeSuccess, outcome)

			branchResult, err := s.GetStepResult(context.Background(), id, "branch")
			require.NoError(t, err)
			require.NotNil(t, branchResult)
			branchOut, err := branchResult.OutputValue()
			require.NoError(t, err)
			skipped, ok := branchOut.Field("_skipped")
			require.True(t, ok)
			assert.True(t, skipped.Bool())

			leafResult, err := s.GetStepResult(context.Background(), id, "leaf")
			require.NoError(t, err)
			require.NotNil(t, leafResult)
			leafOut, err := leafResult.OutputValue()
			require.NoError(t, err)
			leafSkipped, ok := leafOut.Field("_skipped")
			require.True(t, ok)
			assert.True(t, leafSkipped.Bool())

			exec, err := s.GetExecution(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, dagcore.ExecutionSuccess, exec.Status)
		})
	}
}

// S4 — Signal wait then resume: the first Run call returns
// waiting_for_signal with the execution row left running; after
// send_signal the same id resumes and completes.
func TestScenario_S4_SignalWaitThenResume(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			tools := fakeTools{"toolNext": dagcore.BoolValue(true)}
			e, s := newTestExecutor(t, backend, tools)

			wf, err := builder.NewWorkflow("s4").
				AddStep(builder.SignalStep("ask", "approve", 60000)).
				AddStep(builder.ToolStep("next", "conn", "toolNext", map[string]string{"approved": "@ask"})).
				Build()
			require.NoError(t, err)

			id := createExecution(t, s, wf, nil)

			outcome, err := e.Run(context.Background(), id)
			require.Error(t, err)
			assert.Equal(t, dagcore.OutcomeWaitingForSignal, outcome)

			exec, err := s.GetExecution(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, dagcore.ExecutionRunning, exec.Status, "a waiting execution must not receive a terminal write")

			payload, err := json.Marshal(map[string]bool{"ok": true})
			require.NoError(t, err)
			_, err = s.AppendEvent(context.Background(), dagcore.WorkflowEvent{
				ID:               dagcore.NewEventID(id),
				ExecutionID:      id,
				Type:             dagcore.EventTypeSignal,
				Name:             "approve",
				Payload:          payload,
				CreatedAtEpochMs: 1,
				VisibleAtEpochMs: dagcore.ToPtr(int64(0)),
			})
			require.NoError(t, err)

			outcome, err = e.Run(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, dagcore.OutcomeSuccess, outcome)

			askResult, err := s.GetStepResult(context.Background(), id, "ask")
			require.NoError(t, err)
			require.NotNil(t, askResult)
			askOut, err := askResult.OutputValue()
			require.NoError(t, err)
			ok, found := askOut.Field("ok")
			require.True(t, found)
			assert.True(t, ok.Bool())
		})
	}
}

// S5 — Crash recovery: a stale claim (older than timeoutMs) is reclaimable
// by a later delivery; two concurrent reclaimers racing the same window
// never both win.
func TestScenario_S5_CrashRecovery(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			s := newTestStore(t, backend)
			ctx := context.Background()
			execID := "exec-s5"
			_, err := s.CreateExecution(ctx, dagcore.WorkflowExecution{ID: execID, WorkflowID: "s5"})
			require.NoError(t, err)

			first, err := s.ClaimStep(ctx, execID, "s", 1000)
			require.NoError(t, err)
			require.NotNil(t, first, "worker A's initial claim must succeed")

			// Simulate worker A crashing before completing: no UpdateStep call.
			// Within the timeout window, nobody else can reclaim.
			reclaim, err := s.ClaimStep(ctx, execID, "s", 1000)
			require.NoError(t, err)
			assert.Nil(t, reclaim, "a live (non-stale) claim must refuse a second claimant")

			// Let the clock move past worker A's started_at, then claim again
			// with a timeout of 0: a claim is stale once now - started_at
			// exceeds the timeout, so worker A's claim is now reclaimable.
			time.Sleep(2 * time.Millisecond)
			second, err := s.ClaimStep(ctx, execID, "s", 0)
			require.NoError(t, err)
			require.NotNil(t, second, "a stale claim must be reclaimable")
		})
	}
}

// S6 — ForEach: fan over @input.xs, each iteration's output multiplied by
// 10, aggregated in input order.
func TestScenario_S6_ForEach(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			e, s := newTestExecutor(t, backend, fakeTools{})

			wf, err := builder.NewWorkflow("s6").
				AddStep(builder.CodeStep("fan", "item * 10", map[string]string{"value": "@item"},
					builder.ForEach("@input.xs", 0))).
				Build()
			require.NoError(t, err)

			id := createExecution(t, s, wf, map[string]interface{}{"xs": []int{1, 2, 3}})
			outcome, err := e.Run(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, dagcore.OutcomeSuccess, outcome)

			fanResult, err := s.GetStepResult(context.Background(), id, "fan")
			require.NoError(t, err)
			require.NotNil(t, fanResult)
			fanOut, err := fanResult.OutputValue()
			require.NoError(t, err)
			require.True(t, fanOut.IsArray())
			items := fanOut.Array()
			require.Len(t, items, 3)
			assert.Equal(t, float64(10), items[0].Number())
			assert.Equal(t, float64(20), items[1].Number())
			assert.Equal(t, float64(30), items[2].Number())

			for i := 0; i < 3; i++ {
				r, err := s.GetStepResult(context.Background(), id, indexedStepName("fan", i))
				require.NoError(t, err)
				require.NotNil(t, r, "synthetic step row fan[%d] must exist", i)
			}
		})
	}
}

func indexedStepName(name string, i int) string {
	return name + "[" + itoa(i) + "]"
}

func itoa(i int) string {
	return string(rune('0' + i))
}
