package dagcore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputRaw(t *testing.T, m map[string]string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func TestDAGAnalyzer_LinearLevels(t *testing.T) {
	wf := &Workflow{
		ID: "wf",
		Steps: []Step{
			{Name: "a", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}},
			{Name: "b", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}, Input: inputRaw(t, map[string]string{"x": "@a.x"})},
			{Name: "c", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}, Input: inputRaw(t, map[string]string{"y": "@b.y"})},
		},
	}
	analysis, err := NewDAGAnalyzer().Analyze(wf)
	require.NoError(t, err)
	assert.Equal(t, 0, analysis.Level["a"])
	assert.Equal(t, 1, analysis.Level["b"])
	assert.Equal(t, 2, analysis.Level["c"])
	require.Len(t, analysis.Groups, 3)
}

func TestDAGAnalyzer_FanOutSharesLevel(t *testing.T) {
	wf := &Workflow{
		ID: "wf",
		Steps: []Step{
			{Name: "root", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}},
			{Name: "l1", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}, Input: inputRaw(t, map[string]string{"v": "@root.x"})},
			{Name: "l2", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}, Input: inputRaw(t, map[string]string{"v": "@root.x"})},
			{Name: "join", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}, Input: inputRaw(t, map[string]string{"a": "@l1", "b": "@l2"})},
		},
	}
	analysis, err := NewDAGAnalyzer().Analyze(wf)
	require.NoError(t, err)
	assert.Equal(t, 1, analysis.Level["l1"])
	assert.Equal(t, 1, analysis.Level["l2"])
	assert.Equal(t, 2, analysis.Level["join"])
	assert.Len(t, analysis.Groups[1], 2)
}

func TestDAGAnalyzer_DetectsCycle(t *testing.T) {
	wf := &Workflow{
		ID: "wf",
		Steps: []Step{
			{Name: "a", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}, Input: inputRaw(t, map[string]string{"x": "@b.x"})},
			{Name: "b", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}, Input: inputRaw(t, map[string]string{"x": "@a.x"})},
		},
	}
	_, err := NewDAGAnalyzer().Analyze(wf)
	assert.Error(t, err)
}

func TestDAGAnalyzer_BranchMembershipCoversTransitiveDependents(t *testing.T) {
	cond := Condition{Ref: "@decide.ok", Value: true}
	wf := &Workflow{
		ID: "wf",
		Steps: []Step{
			{Name: "decide", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}},
			{Name: "branch", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}, If: &cond},
			{Name: "leaf", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}, Input: inputRaw(t, map[string]string{"b": "@branch"})},
		},
	}
	analysis, err := NewDAGAnalyzer().Analyze(wf)
	require.NoError(t, err)
	assert.Equal(t, "branch", analysis.BranchMembership["leaf"])
	_, decideHasRoot := analysis.BranchMembership["decide"]
	assert.False(t, decideHasRoot)
}

func TestDAGAnalyzer_BuiltinRefsAreNotDependencies(t *testing.T) {
	wf := &Workflow{
		ID: "wf",
		Steps: []Step{
			{Name: "a", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}, Input: inputRaw(t, map[string]string{"x": "@input.seed"})},
		},
	}
	analysis, err := NewDAGAnalyzer().Analyze(wf)
	require.NoError(t, err)
	assert.Equal(t, 0, analysis.Level["a"])
}
