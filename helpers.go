package dagcore

import (
	"time"

	"github.com/google/uuid"
)

// ToPtr returns a pointer to the given value.
func ToPtr[T any](v T) *T {
	return &v
}

// NewEventID mints a WorkflowEvent.ID that embeds its owning execution,
// separated by a colon. Store.ConsumeEvent only receives an event ID, not
// its execution — the single-table DynamoDB backend needs the execution ID
// to address the item's partition key, so every event producer (events
// package) must use this constructor rather than a bare uuid.
func NewEventID(executionID string) string {
	return executionID + ":" + uuid.NewString()
}

// StepBackoff computes the delay before retry attempt k (1-based) of a
// step, per spec.md §4.4: 0 before the first attempt, otherwise
// backoffMs * 2^(k-2), exponential.
func StepBackoff(backoffMs int64, attempt int) time.Duration {
	if attempt <= 1 || backoffMs <= 0 {
		return 0
	}
	multiplier := int64(1) << uint(attempt-2)
	return time.Duration(backoffMs*multiplier) * time.Millisecond
}
