package dagcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWorkflow_Valid(t *testing.T) {
	wf := &Workflow{
		ID: "wf1",
		Steps: []Step{
			{Name: "a", Action: Action{Kind: ActionTool, Tool: &ToolAction{ConnectionID: "c", ToolName: "t"}}},
		},
	}
	assert.NoError(t, ValidateWorkflow(wf))
}

func TestValidateWorkflow_MissingID(t *testing.T) {
	wf := &Workflow{
		Steps: []Step{
			{Name: "a", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}},
		},
	}
	assert.Error(t, ValidateWorkflow(wf))
}

func TestValidateWorkflow_DuplicateStepNames(t *testing.T) {
	wf := &Workflow{
		ID: "wf1",
		Steps: []Step{
			{Name: "a", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}},
			{Name: "a", Action: Action{Kind: ActionTool, Tool: &ToolAction{}}},
		},
	}
	err := ValidateWorkflow(wf)
	assert.ErrorContains(t, err, "duplicate step name")
}

func TestValidateWorkflow_ActionKindMismatchesPayload(t *testing.T) {
	wf := &Workflow{
		ID: "wf1",
		Steps: []Step{
			{Name: "a", Action: Action{Kind: ActionTool, Code: &CodeAction{Source: "x"}}},
		},
	}
	err := ValidateWorkflow(wf)
	assert.ErrorContains(t, err, "kind=tool requires tool payload")
}

func TestValidateWorkflow_UnknownActionKind(t *testing.T) {
	wf := &Workflow{
		ID: "wf1",
		Steps: []Step{
			{Name: "a", Action: Action{Kind: "bogus"}},
		},
	}
	err := ValidateWorkflow(wf)
	assert.ErrorContains(t, err, "unknown action kind")
}
