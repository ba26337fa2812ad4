// Package events implements the EventBus and Scheduler/Dispatcher from
// spec.md §4.5: signal/timer delivery backed by Store.AppendEvent and
// Store.ConsumeEvent, and an in-process worker pool that turns a delivery
// into an engine.Executor.Run call.
package events

import (
	"encoding/json"

	"github.com/flowforge/dagcore"
)

// Delivery is one unit of work the Dispatcher pulls off the Bus. Subject is
// always an execution ID; DeliverAt (nil for immediate deliveries) defers
// visibility the way timer.scheduled deliveries do (spec.md §6).
type Delivery struct {
	Type      dagcore.DeliveryType
	Subject   string
	Data      json.RawMessage
	DeliverAt *int64
}

// Ready reports whether the delivery is visible at nowMs.
func (d Delivery) Ready(nowMs int64) bool {
	return d.DeliverAt == nil || *d.DeliverAt <= nowMs
}

// signalSentData is Delivery.Data's shape for DeliverySignalSent.
type signalSentData struct {
	SignalName string          `json:"signalName"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// timerScheduledData is Delivery.Data's shape for DeliveryTimerScheduled.
type timerScheduledData struct {
	ExecutionID  string `json:"executionId"`
	StepName     string `json:"stepName"`
	WakeAtEpochMs int64 `json:"wakeAtEpochMs"`
}
