package dagcore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutionError_NilIsNil(t *testing.T) {
	assert.Nil(t, NewExecutionError(nil))
}

func TestNewExecutionError_ClassifiesKnownTypes(t *testing.T) {
	cases := []struct {
		err      error
		wantCode string
	}{
		{NewValidationError("bad"), ErrCodeValidation},
		{&StepFailedError{StepName: "s", Cause: errors.New("boom")}, ErrCodeStepFailed},
		{&ToolError{ToolName: "t", Cause: errors.New("boom")}, ErrCodeToolError},
		{&CodeError{StepName: "s", Cause: errors.New("boom")}, ErrCodeCodeError},
		{&WorkflowCancelledError{ExecutionID: "e"}, ErrCodeCancelled},
		{errors.New("unclassified"), ErrCodeInternal},
	}
	for _, c := range cases {
		got := NewExecutionError(c.err)
		require.NotNil(t, got)
		assert.Equal(t, c.wantCode, got.Code)
		assert.Equal(t, c.err.Error(), got.Message)
	}
}

func TestStepFailedError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &StepFailedError{StepName: "s", Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestToolError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &ToolError{ToolName: "t", Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestExecutionError_FormatsStepWhenPresent(t *testing.T) {
	e := &ExecutionError{Message: "failed", Code: ErrCodeStepFailed, Step: "s1"}
	assert.Contains(t, e.Error(), "s1")

	noStep := &ExecutionError{Message: "failed", Code: ErrCodeInternal}
	assert.NotContains(t, noStep.Error(), "step:")
}
