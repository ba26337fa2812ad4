// Package builder provides a fluent API for assembling a dagcore.Workflow.
// Unlike the teacher's explicit-edge graph builder, step ordering here is
// never declared: dependencies are inferred from each step's @refs by
// dagcore.DAGAnalyzer at Build() time (spec.md §4.3).
package builder

import "github.com/flowforge/dagcore"

// WorkflowBuilder accumulates steps for one workflow definition.
type WorkflowBuilder struct {
	id    string
	steps []dagcore.Step
}

// NewWorkflow starts a builder for a workflow with the given id.
func NewWorkflow(id string) *WorkflowBuilder {
	return &WorkflowBuilder{id: id, steps: []dagcore.Step{}}
}

// AddStep appends a step to the workflow. Order of AddStep calls only
// affects declaration order (used for level tie-breaking, §4.3) — it does
// not imply an execution dependency.
func (b *WorkflowBuilder) AddStep(step dagcore.Step) *WorkflowBuilder {
	b.steps = append(b.steps, step)
	return b
}

// Build validates the accumulated steps (unique names, well-formed
// actions), runs the DAGAnalyzer to catch cycles up front, and returns the
// finished Workflow.
func (b *WorkflowBuilder) Build() (*dagcore.Workflow, error) {
	wf := &dagcore.Workflow{ID: b.id, Steps: b.steps}
	if err := dagcore.ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	if _, err := dagcore.NewDAGAnalyzer().Analyze(wf); err != nil {
		return nil, err
	}
	return wf, nil
}
