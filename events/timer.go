package events

import (
	"context"
	"encoding/json"

	"github.com/flowforge/dagcore"
)

// ScheduleTimer implements spec.md §4.5's scheduleTimer: appends a timer
// event that only becomes visible at wakeAtEpochMs, and publishes a
// future-dated timer.scheduled delivery so the Dispatcher re-enters the
// execution once the wait is over even if no other delivery arrives first.
func ScheduleTimer(ctx context.Context, store dagcore.Store, bus Bus, clock dagcore.Clock, executionID, stepName string, wakeAtEpochMs int64) error {
	if clock == nil {
		clock = dagcore.SystemClock{}
	}
	event := dagcore.WorkflowEvent{
		ID:               dagcore.NewEventID(executionID),
		ExecutionID:      executionID,
		Type:             dagcore.EventTypeTimer,
		Name:             stepName,
		CreatedAtEpochMs: dagcore.NowMs(clock),
		VisibleAtEpochMs: dagcore.ToPtr(wakeAtEpochMs),
	}
	if _, err := store.AppendEvent(ctx, event); err != nil {
		return err
	}

	data, err := json.Marshal(timerScheduledData{ExecutionID: executionID, StepName: stepName, WakeAtEpochMs: wakeAtEpochMs})
	if err != nil {
		return err
	}
	return bus.Publish(ctx, Delivery{
		Type:      dagcore.DeliveryTimerScheduled,
		Subject:   executionID,
		Data:      data,
		DeliverAt: dagcore.ToPtr(wakeAtEpochMs),
	})
}
