package session

import (
	"time"

	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/protocol"
)

// Auto-stop tuning. A cable only participates once its calibrated range
// exceeds the noise floor; the danger zone sits just above the calibrated
// minimum.
const (
	DefaultAutoStopDwell  = 5 * time.Second
	autoStopNoiseFloor    = 50.0 // position units
	autoStopThresholdFrac = 0.05
)

// RangeFunc reports the calibrated range for a cable (0 = A, 1 = B).
type RangeFunc func(cable int) (min, max float64, ok bool)

// AutoStopGate watches live samples for "stalled at end of range" during
// Just Lift sessions and fires once after an uninterrupted dwell in the
// danger zone. Leaving the zone resets the timer; there is no partial
// credit. Driven exclusively by the session controller.
type AutoStopGate struct {
	dwell     time.Duration
	armedAt   time.Time
	armed     bool
	triggered bool
}

// NewAutoStopGate creates a disarmed gate. A non-positive dwell falls back
// to DefaultAutoStopDwell.
func NewAutoStopGate(dwell time.Duration) *AutoStopGate {
	if dwell <= 0 {
		dwell = DefaultAutoStopDwell
	}
	return &AutoStopGate{dwell: dwell}
}

// Triggered reports whether the gate has fired.
func (g *AutoStopGate) Triggered() bool { return g.triggered }

// Observe feeds one sample through the gate and returns its status.
// Triggered is reported true on exactly one call; afterwards the gate
// stays latched until Reset.
func (g *AutoStopGate) Observe(now time.Time, sample protocol.MonitorSample, ranges RangeFunc) AutoStopProgress {
	if g.triggered {
		return AutoStopProgress{Armed: true, Fraction: 1}
	}

	inDanger := false
	qualified := false
	positions := [2]float64{float64(sample.PosA), float64(sample.PosB)}
	for cable := range 2 {
		min, max, ok := ranges(cable)
		if !ok || max-min <= autoStopNoiseFloor {
			continue
		}
		qualified = true
		threshold := min + (max-min)*autoStopThresholdFrac
		if positions[cable] <= threshold {
			inDanger = true
		}
	}

	if !qualified || !inDanger {
		// Disarm; re-entry starts the dwell from zero.
		g.armed = false
		g.armedAt = time.Time{}
		return AutoStopProgress{}
	}

	if !g.armed {
		g.armed = true
		g.armedAt = now
	}
	elapsed := now.Sub(g.armedAt)
	if elapsed >= g.dwell {
		g.triggered = true
		return AutoStopProgress{Armed: true, Fraction: 1}
	}
	return AutoStopProgress{Armed: true, Fraction: float64(elapsed) / float64(g.dwell)}
}

// Reset disarms the gate and clears the latch.
func (g *AutoStopGate) Reset() {
	g.armed = false
	g.armedAt = time.Time{}
	g.triggered = false
}
