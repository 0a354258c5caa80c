// Package session orchestrates trainer sessions: it issues command frames
// through the GATT transport, runs the telemetry poll loops, detects rep
// boundaries from the hardware counters, and enforces the auto-stop safety
// gate. All shared session state is owned here; the detector and the gate
// only ever see it through their methods.
package session

import (
	"time"

	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/protocol"
)

// EventType tags entries on the controller's event stream.
type EventType string

const (
	EventSampleReceived   EventType = "sampleReceived"
	EventRepCompleted     EventType = "repCompleted"
	EventTopReached       EventType = "topReached"
	EventAutoStopProgress EventType = "autoStopProgress"
	EventSessionCompleted EventType = "sessionCompleted"
	EventDisconnected     EventType = "disconnected"
	EventPropertyData     EventType = "propertyData"
)

// RepProgress describes the rep count at a top or completion boundary.
type RepProgress struct {
	Warmup      bool `json:"warmup"`
	WarmupReps  int  `json:"warmup_reps"`
	WorkingReps int  `json:"working_reps"`
}

// AutoStopProgress reports how close the safety gate is to firing.
type AutoStopProgress struct {
	Armed    bool    `json:"armed"`
	Fraction float64 `json:"fraction"` // 0 disarmed .. 1 triggered
}

// Event is one entry on the controller's event stream. Type determines
// which payload field is set.
type Event struct {
	Type     EventType                `json:"type"`
	Time     time.Time                `json:"time"`
	Sample   *protocol.MonitorSample  `json:"sample,omitempty"`
	Rep      *RepProgress             `json:"rep,omitempty"`
	AutoStop *AutoStopProgress        `json:"auto_stop,omitempty"`
	Summary  *Summary                 `json:"summary,omitempty"`
	Property []byte                   `json:"property,omitempty"`
}
