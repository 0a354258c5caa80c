package session

import "github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/protocol"

// Ring buffer capacities for calibrated top/bottom positions. Calibration
// reacts faster with a short window; the working phase smooths over three.
const (
	calibrationWindow = 2
	workingWindow     = 3
)

// positionRing is a bounded ring of recent positions for one cable end.
type positionRing struct {
	vals []float64
	size int
}

func newPositionRing(size int) *positionRing {
	return &positionRing{size: size}
}

// resize grows or shrinks the window, keeping the most recent values.
func (r *positionRing) resize(size int) {
	r.size = size
	if len(r.vals) > size {
		r.vals = append([]float64(nil), r.vals[len(r.vals)-size:]...)
	}
}

func (r *positionRing) push(v float64) {
	r.vals = append(r.vals, v)
	if len(r.vals) > r.size {
		r.vals = r.vals[1:]
	}
}

// mean returns the arithmetic mean of the buffered positions.
func (r *positionRing) mean() (float64, bool) {
	if len(r.vals) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range r.vals {
		sum += v
	}
	return sum / float64(len(r.vals)), true
}

// counterState tracks one modulo-65536 hardware counter. The first
// observed value seeds the counter without producing a delta, so session
// start never emits a false edge.
type counterState struct {
	val    uint16
	seeded bool
}

// advance returns how far the counter moved since the last observation.
func (c *counterState) advance(next uint16) uint16 {
	if !c.seeded {
		c.val = next
		c.seeded = true
		return 0
	}
	delta := protocol.CounterDelta(c.val, next)
	c.val = next
	return delta
}

func (c *counterState) reset() {
	c.val = 0
	c.seeded = false
}

// DetectorConfig fixes a detector's targets for one session.
type DetectorConfig struct {
	// WarmupTarget is how many completed reps count as calibration before
	// working reps begin. Zero means protocol.DefaultWarmupReps.
	WarmupTarget int
	// TargetReps ends the session when reached; zero means open-ended.
	TargetReps int
	// StopAtTop signals completion on the top event of the final rep
	// instead of its bottom. The machine itself does not consider the set
	// finished until the bottom of the final rep, so the controller must
	// follow the signal with an explicit stop command.
	StopAtTop bool
}

// DetectorEventKind classifies what a rep notification produced.
type DetectorEventKind int

const (
	DetectorTopReached DetectorEventKind = iota
	DetectorRepCompleted
	DetectorSessionComplete
)

// DetectorEvent is one rep boundary produced by the detector.
type DetectorEvent struct {
	Kind        DetectorEventKind
	Warmup      bool
	WarmupReps  int
	WorkingReps int
}

// RepDetector turns the trainer's wrapping rep counters into discrete
// top/bottom/completion events and maintains the calibrated range per
// cable. It is driven exclusively by the session controller; it performs
// no I/O and holds no locks.
type RepDetector struct {
	cfg DetectorConfig

	topCounter      counterState
	completeCounter counterState

	warmupReps  int
	workingReps int
	done        bool

	tops    [2]*positionRing
	bottoms [2]*positionRing
}

// NewRepDetector creates a detector in its initial unset state.
func NewRepDetector(cfg DetectorConfig) *RepDetector {
	if cfg.WarmupTarget <= 0 {
		cfg.WarmupTarget = protocol.DefaultWarmupReps
	}
	d := &RepDetector{cfg: cfg}
	for i := range 2 {
		d.tops[i] = newPositionRing(calibrationWindow)
		d.bottoms[i] = newPositionRing(calibrationWindow)
	}
	return d
}

// WarmupReps returns the completed warmup rep count.
func (d *RepDetector) WarmupReps() int { return d.warmupReps }

// WorkingReps returns the completed working rep count.
func (d *RepDetector) WorkingReps() int { return d.workingReps }

// Done reports whether the detector has signaled session completion.
func (d *RepDetector) Done() bool { return d.done }

// CalibratedRange returns the calibrated min and max position for a cable
// (0 = A, 1 = B). ok is false until both ends have been observed.
func (d *RepDetector) CalibratedRange(cable int) (min, max float64, ok bool) {
	lo, okLo := d.bottoms[cable].mean()
	hi, okHi := d.tops[cable].mean()
	if !okLo || !okHi {
		return 0, 0, false
	}
	return lo, hi, true
}

// HandleRepNotification consumes one decoded rep notification together
// with the positions both cables held when it arrived, and returns the
// boundary events it implies, in order.
func (d *RepDetector) HandleRepNotification(counters [3]uint16, posA, posB uint16) []DetectorEvent {
	if d.done {
		return nil
	}

	topDelta := d.topCounter.advance(counters[protocol.RepCounterTop])
	completeDelta := d.completeCounter.advance(counters[protocol.RepCounterComplete])

	var events []DetectorEvent

	if topDelta > 0 {
		d.recordTopPosition(posA, posB)
		inWarmup := d.warmupReps < d.cfg.WarmupTarget
		events = append(events, DetectorEvent{
			Kind:        DetectorTopReached,
			Warmup:      inWarmup,
			WarmupReps:  d.warmupReps,
			WorkingReps: d.workingReps,
		})
		// The stop-at-top variant completes on the top of the final rep;
		// the bottom of that rep never arrives because the controller
		// stops the machine first.
		if d.cfg.StopAtTop && d.cfg.TargetReps > 0 && !inWarmup && d.workingReps == d.cfg.TargetReps-1 {
			d.workingReps++
			d.done = true
			events = append(events, d.completionEvent())
			return events
		}
	}

	if completeDelta > 0 {
		d.recordBottomPosition(posA, posB)
		if d.warmupReps < d.cfg.WarmupTarget {
			d.warmupReps++
			if d.warmupReps == d.cfg.WarmupTarget {
				// Working phase widens the calibration window.
				for i := range 2 {
					d.tops[i].resize(workingWindow)
					d.bottoms[i].resize(workingWindow)
				}
			}
			events = append(events, DetectorEvent{
				Kind:        DetectorRepCompleted,
				Warmup:      true,
				WarmupReps:  d.warmupReps,
				WorkingReps: d.workingReps,
			})
		} else {
			d.workingReps++
			events = append(events, DetectorEvent{
				Kind:        DetectorRepCompleted,
				WarmupReps:  d.warmupReps,
				WorkingReps: d.workingReps,
			})
			if d.cfg.TargetReps > 0 && !d.cfg.StopAtTop && d.workingReps >= d.cfg.TargetReps {
				d.done = true
				events = append(events, d.completionEvent())
			}
		}
	}

	return events
}

func (d *RepDetector) completionEvent() DetectorEvent {
	return DetectorEvent{
		Kind:        DetectorSessionComplete,
		WarmupReps:  d.warmupReps,
		WorkingReps: d.workingReps,
	}
}

// recordTopPosition pushes both cables' positions into the top rings and
// implicitly refreshes the calibrated max (the ring mean).
func (d *RepDetector) recordTopPosition(posA, posB uint16) {
	d.tops[0].push(float64(posA))
	d.tops[1].push(float64(posB))
}

func (d *RepDetector) recordBottomPosition(posA, posB uint16) {
	d.bottoms[0].push(float64(posA))
	d.bottoms[1].push(float64(posB))
}

// Reset returns the detector to its initial unset condition. Used at
// session start, stop, and disconnect.
func (d *RepDetector) Reset() {
	d.topCounter.reset()
	d.completeCounter.reset()
	d.warmupReps = 0
	d.workingReps = 0
	d.done = false
	for i := range 2 {
		d.tops[i] = newPositionRing(calibrationWindow)
		d.bottoms[i] = newPositionRing(calibrationWindow)
	}
}
