package dagcore

// RefContext is the in-memory context a ref is resolved against (spec.md
// §3). It is rebuilt once per execution attempt by the Executor and is
// never shared across attempts or workers — ownership is strictly
// sequential within one attempt (spec.md §5).
type RefContext struct {
	// StepOutputs maps a completed step's name to its output Value.
	StepOutputs map[string]Value
	// WorkflowInput is the execution's top-level input.
	WorkflowInput Value
	// Item/Index are set only inside a forEach iteration (§4.6).
	Item     *Value
	HasItem  bool
	Index    int
	HasIndex bool
}

// NewRefContext builds a RefContext from a workflow input and the step
// outputs accumulated so far.
func NewRefContext(input Value, stepOutputs map[string]Value) RefContext {
	if stepOutputs == nil {
		stepOutputs = make(map[string]Value)
	}
	return RefContext{
		StepOutputs:   stepOutputs,
		WorkflowInput: input,
	}
}

// WithItem returns a copy of ctx augmented with a forEach iteration's item
// and index (§4.6's synthetic "<name>[i]" steps).
func (c RefContext) WithItem(item Value, index int) RefContext {
	c.Item = &item
	c.HasItem = true
	c.Index = index
	c.HasIndex = true
	return c
}

// builtinRefNames are filtered out of the DAG's dependency set (§4.3): they
// name context slots, never steps.
var builtinRefNames = map[string]bool{
	"input": true,
	"item":  true,
	"index": true,
}
