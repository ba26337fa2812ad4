package dagcore

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToPtr(t *testing.T) {
	p := ToPtr(5)
	assert.NotNil(t, p)
	assert.Equal(t, 5, *p)
}

func TestNewEventID_EmbedsExecutionID(t *testing.T) {
	id := NewEventID("exec-123")
	assert.True(t, strings.HasPrefix(id, "exec-123:"))
}

func TestStepBackoff_ExponentialSchedule(t *testing.T) {
	assert.Equal(t, time.Duration(0), StepBackoff(100, 1))
	assert.Equal(t, 100*time.Millisecond, StepBackoff(100, 2))
	assert.Equal(t, 200*time.Millisecond, StepBackoff(100, 3))
	assert.Equal(t, 400*time.Millisecond, StepBackoff(100, 4))
	assert.Equal(t, time.Duration(0), StepBackoff(0, 3))
}
