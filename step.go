package dagcore

import "encoding/json"

// ActionKind discriminates the Action tagged union (spec.md §3).
type ActionKind string

const (
	ActionTool   ActionKind = "tool"
	ActionCode   ActionKind = "code"
	ActionSignal ActionKind = "signal"
)

// ToolAction invokes a remote tool through the host-provided ToolInvoker
// port.
type ToolAction struct {
	ConnectionID string `json:"connectionId"`
	ToolName     string `json:"toolName"`
}

// CodeAction invokes a hermetic, deterministic-per-input code snippet
// through the host-provided CodeRunner port.
type CodeAction struct {
	Source string `json:"source"`
}

// SignalAction waits for a named external event (spec.md §4.5). When
// WakeAtEpochMs is set it is a durable-sleep wait instead of a human/webhook
// signal: the step polls a `timer` event named after the step rather than a
// `signal` event named SignalName (spec.md §4.5's Timer subsystem, which the
// step grammar in §3 does not give its own Action kind).
type SignalAction struct {
	SignalName   string `json:"signalName,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty"`
	WakeAtEpochMs int64 `json:"wakeAtEpochMs,omitempty"`
}

// IsDurableSleep reports whether this signal action is a timer wait rather
// than a named-signal wait.
func (a SignalAction) IsDurableSleep() bool { return a.WakeAtEpochMs > 0 }

// Action is the tagged union of step action kinds. Exactly one of Tool,
// Code, Signal is non-nil, selected by Kind.
type Action struct {
	Kind   ActionKind    `json:"kind"`
	Tool   *ToolAction   `json:"tool,omitempty"`
	Code   *CodeAction   `json:"code,omitempty"`
	Signal *SignalAction `json:"signal,omitempty"`
}

// LoopConfig drives the §4.6 forEach behavior.
type LoopConfig struct {
	For *ForEachConfig `json:"for,omitempty"`
}

// ForEachConfig resolves Items (an @ref) to an array and runs the step body
// once per element, bounded by Limit (defaults to len(items)).
type ForEachConfig struct {
	Items json.RawMessage `json:"items"`
	Limit int             `json:"limit,omitempty"`
}

// StepConfig holds the per-step execution parameters from spec.md §3.
type StepConfig struct {
	TimeoutMs   int64       `json:"timeoutMs,omitempty"`
	MaxAttempts int         `json:"maxAttempts,omitempty"`
	BackoffMs   int64       `json:"backoffMs,omitempty"`
	Loop        *LoopConfig `json:"loop,omitempty"`
}

// Defaults from spec.md §4.1/§4.4.
const (
	DefaultStepTimeoutMs          int64 = 30_000
	DefaultMaxAttempts                  = 1
	DefaultStepClaimTimeoutMs     int64 = 30_000
)

// Resolved returns a copy of cfg with zero fields filled with spec
// defaults.
func (cfg StepConfig) Resolved() StepConfig {
	out := cfg
	if out.TimeoutMs <= 0 {
		out.TimeoutMs = DefaultStepTimeoutMs
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	return out
}

// Step is one node of a workflow's DAG (spec.md §3). Name is unique within
// a Workflow.
type Step struct {
	Name   string          `json:"name" validate:"required"`
	Action Action          `json:"action" validate:"required"`
	Input  json.RawMessage `json:"input,omitempty"`
	If     *Condition      `json:"if,omitempty"`
	Config StepConfig      `json:"config,omitempty"`
}

// Workflow is the read-only-to-the-engine workflow definition.
type Workflow struct {
	ID    string `json:"id" validate:"required"`
	Steps []Step `json:"steps" validate:"required,dive"`
}

// StepByName returns the step with the given name, or false.
func (w *Workflow) StepByName(name string) (Step, bool) {
	for _, s := range w.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}
