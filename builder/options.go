package builder

import (
	"encoding/json"

	"github.com/flowforge/dagcore"
)

// StepOption configures a dagcore.Step being built by ToolStep/CodeStep/
// SignalStep.
type StepOption func(*dagcore.Step)

// If attaches a branch condition to the step.
func If(cond dagcore.Condition) StepOption {
	return func(s *dagcore.Step) { s.If = &cond }
}

// WithTimeout overrides the step's execution timeout.
func WithTimeout(timeoutMs int64) StepOption {
	return func(s *dagcore.Step) { s.Config.TimeoutMs = timeoutMs }
}

// WithMaxAttempts overrides the step's retry budget.
func WithMaxAttempts(n int) StepOption {
	return func(s *dagcore.Step) { s.Config.MaxAttempts = n }
}

// WithBackoff sets the base exponential backoff delay between attempts.
func WithBackoff(backoffMs int64) StepOption {
	return func(s *dagcore.Step) { s.Config.BackoffMs = backoffMs }
}

// ForEach turns the step into a §4.6 loop over itemsRef (an @ref resolving
// to an array), bounded by limit (0 = unbounded, i.e. len(items)).
func ForEach(itemsRef string, limit int) StepOption {
	return func(s *dagcore.Step) {
		raw, _ := json.Marshal(itemsRef)
		if s.Config.Loop == nil {
			s.Config.Loop = &dagcore.LoopConfig{}
		}
		s.Config.Loop.For = &dagcore.ForEachConfig{Items: raw, Limit: limit}
	}
}

func applyStepOptions(s dagcore.Step, opts []StepOption) dagcore.Step {
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// ToolStep builds a step whose action invokes a remote tool.
func ToolStep(name, connectionID, toolName string, input interface{}, opts ...StepOption) dagcore.Step {
	raw, _ := json.Marshal(input)
	s := dagcore.Step{
		Name:  name,
		Action: dagcore.Action{Kind: dagcore.ActionTool, Tool: &dagcore.ToolAction{ConnectionID: connectionID, ToolName: toolName}},
		Input: raw,
	}
	return applyStepOptions(s, opts)
}

// CodeStep builds a step whose action runs a hermetic code snippet.
func CodeStep(name, source string, input interface{}, opts ...StepOption) dagcore.Step {
	raw, _ := json.Marshal(input)
	s := dagcore.Step{
		Name:  name,
		Action: dagcore.Action{Kind: dagcore.ActionCode, Code: &dagcore.CodeAction{Source: source}},
		Input: raw,
	}
	return applyStepOptions(s, opts)
}

// SignalStep builds a step that waits for a named external signal.
func SignalStep(name, signalName string, timeoutMs int64, opts ...StepOption) dagcore.Step {
	s := dagcore.Step{
		Name:   name,
		Action: dagcore.Action{Kind: dagcore.ActionSignal, Signal: &dagcore.SignalAction{SignalName: signalName, TimeoutMs: timeoutMs}},
	}
	return applyStepOptions(s, opts)
}
