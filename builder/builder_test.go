package builder

import (
	"testing"

	"github.com/flowforge/dagcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkflow_EmptyIsValid(t *testing.T) {
	wf, err := NewWorkflow("empty").Build()
	require.NoError(t, err)
	assert.Equal(t, "empty", wf.ID)
	assert.Empty(t, wf.Steps)
}

func TestWorkflowBuilder_InfersLevelsFromRefs(t *testing.T) {
	wf, err := NewWorkflow("fetch_then_parse").
		AddStep(ToolStep("fetch", "conn1", "http.get", map[string]string{"url": "@input.url"})).
		AddStep(CodeStep("parse", "return input.body", map[string]string{"body": "@fetch.body"})).
		Build()
	require.NoError(t, err)

	analysis, err := Analyze(wf)
	require.NoError(t, err)
	assert.Equal(t, 0, analysis.Level["fetch"])
	assert.Equal(t, 1, analysis.Level["parse"])
}

func TestWorkflowBuilder_DuplicateStepNameRejected(t *testing.T) {
	_, err := NewWorkflow("dup").
		AddStep(CodeStep("same", "x", nil)).
		AddStep(CodeStep("same", "y", nil)).
		Build()
	require.Error(t, err)
	var verr *dagcore.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestWorkflowBuilder_CycleRejected(t *testing.T) {
	_, err := NewWorkflow("cycle").
		AddStep(CodeStep("a", "x", map[string]string{"v": "@b.v"})).
		AddStep(CodeStep("b", "y", map[string]string{"v": "@a.v"})).
		Build()
	require.Error(t, err)
}
