package events

import (
	"context"
	"encoding/json"

	"github.com/flowforge/dagcore"
)

// SendSignal implements spec.md §4.5's send_signal: appends a visible-now
// signal event and publishes a signal.sent delivery (carrying the signal
// name and payload) for the execution; the Dispatcher runs the execution
// for it, which wakes it out of its WaitingForSignalError pause.
func SendSignal(ctx context.Context, store dagcore.Store, bus Bus, clock dagcore.Clock, executionID, name string, payload json.RawMessage) error {
	now := dagcore.NowMs(clock)
	event := dagcore.WorkflowEvent{
		ID:               dagcore.NewEventID(executionID),
		ExecutionID:      executionID,
		Type:             dagcore.EventTypeSignal,
		Name:             name,
		Payload:          payload,
		CreatedAtEpochMs: now,
		VisibleAtEpochMs: dagcore.ToPtr(now),
	}
	if _, err := store.AppendEvent(ctx, event); err != nil {
		return err
	}

	data, err := json.Marshal(signalSentData{SignalName: name, Payload: payload})
	if err != nil {
		return err
	}
	return bus.Publish(ctx, Delivery{
		Type:    dagcore.DeliverySignalSent,
		Subject: executionID,
		Data:    data,
	})
}
