package dagcore

import "github.com/go-playground/validator/v10"

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateWorkflow checks struct-tag constraints (required fields, dive
// into steps) and the additional invariants the tags alone can't express:
// unique step names and a non-nil action payload matching Action.Kind.
func ValidateWorkflow(wf *Workflow) error {
	if err := structValidator.Struct(wf); err != nil {
		return NewValidationError("workflow %q failed validation: %s", wf.ID, err.Error())
	}

	seen := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if seen[s.Name] {
			return NewValidationError("duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if err := validateAction(s.Name, s.Action); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(stepName string, a Action) error {
	switch a.Kind {
	case ActionTool:
		if a.Tool == nil {
			return NewValidationError("step %q: kind=tool requires tool payload", stepName)
		}
	case ActionCode:
		if a.Code == nil {
			return NewValidationError("step %q: kind=code requires code payload", stepName)
		}
	case ActionSignal:
		if a.Signal == nil {
			return NewValidationError("step %q: kind=signal requires signal payload", stepName)
		}
	default:
		return NewValidationError("step %q: unknown action kind %q", stepName, a.Kind)
	}
	return nil
}
