package session

import (
	"testing"
)

// notify feeds one rep notification into the detector. The unused middle
// counter stays zero, as the hardware reports it.
func notify(d *RepDetector, top, complete uint16, posA, posB uint16) []DetectorEvent {
	return d.HandleRepNotification([3]uint16{top, 0, complete}, posA, posB)
}

// simulateRep plays one full rep: a top notification at the top position
// followed by a completion notification at the bottom position.
func simulateRep(d *RepDetector, n uint16, topPos, bottomPos uint16) []DetectorEvent {
	events := notify(d, n, n-1, topPos, topPos)
	events = append(events, notify(d, n, n, bottomPos, bottomPos)...)
	return events
}

func TestDetectorFirstNotificationSeedsSilently(t *testing.T) {
	d := NewRepDetector(DetectorConfig{WarmupTarget: 3, TargetReps: 5})

	// Counters may be nonzero at connect; the first observation must not
	// count as movement.
	events := notify(d, 41, 37, 1000, 1000)
	if len(events) != 0 {
		t.Fatalf("seed notification produced %d events, want 0", len(events))
	}
	if d.WarmupReps() != 0 || d.WorkingReps() != 0 {
		t.Errorf("counts after seed = %d/%d, want 0/0", d.WarmupReps(), d.WorkingReps())
	}
}

func TestDetectorFullSession(t *testing.T) {
	const target = 2
	d := NewRepDetector(DetectorConfig{WarmupTarget: 3, TargetReps: target})
	notify(d, 0, 0, 100, 100)

	var all []DetectorEvent
	for rep := uint16(1); rep <= 5; rep++ {
		all = append(all, simulateRep(d, rep, 2000, 100)...)
	}

	var tops, completions, completes int
	for _, ev := range all {
		switch ev.Kind {
		case DetectorTopReached:
			tops++
		case DetectorRepCompleted:
			completions++
		case DetectorSessionComplete:
			completes++
			if ev.WorkingReps != target {
				t.Errorf("completion WorkingReps = %d, want %d", ev.WorkingReps, target)
			}
			if ev.WarmupReps != 3 {
				t.Errorf("completion WarmupReps = %d, want 3", ev.WarmupReps)
			}
		}
	}
	if tops != 5 {
		t.Errorf("top events = %d, want 5", tops)
	}
	if completions != 5 {
		t.Errorf("rep completion events = %d, want 5", completions)
	}
	if completes != 1 {
		t.Errorf("session completion events = %d, want exactly 1", completes)
	}
	if !d.Done() {
		t.Error("Done() = false after target reached")
	}

	// Anything after completion is ignored.
	if events := simulateRep(d, 6, 2000, 100); len(events) != 0 {
		t.Errorf("post-completion rep produced %d events, want 0", len(events))
	}
}

func TestDetectorWarmupWorkingSplit(t *testing.T) {
	d := NewRepDetector(DetectorConfig{WarmupTarget: 3, TargetReps: 10})
	notify(d, 0, 0, 100, 100)

	for rep := uint16(1); rep <= 4; rep++ {
		events := simulateRep(d, rep, 2000, 100)
		for _, ev := range events {
			if ev.Kind != DetectorRepCompleted {
				continue
			}
			wantWarmup := rep <= 3
			if ev.Warmup != wantWarmup {
				t.Errorf("rep %d: Warmup = %v, want %v", rep, ev.Warmup, wantWarmup)
			}
		}
	}
	if d.WarmupReps() != 3 {
		t.Errorf("WarmupReps = %d, want 3", d.WarmupReps())
	}
	if d.WorkingReps() != 1 {
		t.Errorf("WorkingReps = %d, want 1", d.WorkingReps())
	}
}

func TestDetectorStopAtTopCompletesOnFinalTop(t *testing.T) {
	const target = 2
	d := NewRepDetector(DetectorConfig{WarmupTarget: 3, TargetReps: target, StopAtTop: true})
	notify(d, 0, 0, 100, 100)

	for rep := uint16(1); rep <= 4; rep++ {
		simulateRep(d, rep, 2000, 100)
	}
	if d.Done() {
		t.Fatal("done before final top")
	}

	// The top of working rep 2 completes the set; no bottom follows.
	events := notify(d, 5, 4, 2000, 2000)
	var sawComplete bool
	for _, ev := range events {
		if ev.Kind == DetectorSessionComplete {
			sawComplete = true
			if ev.WorkingReps != target {
				t.Errorf("completion WorkingReps = %d, want %d", ev.WorkingReps, target)
			}
		}
	}
	if !sawComplete {
		t.Error("final top did not complete the session")
	}
}

func TestDetectorCounterWraparound(t *testing.T) {
	d := NewRepDetector(DetectorConfig{WarmupTarget: 3, TargetReps: 10})
	notify(d, 65534, 65535, 100, 100)

	// Both counters wrap past 0xFFFF.
	events := notify(d, 1, 65535, 2000, 2000)
	if len(events) == 0 {
		t.Fatal("wrapped top counter produced no events")
	}
	events = notify(d, 1, 0, 100, 100)
	sawRep := false
	for _, ev := range events {
		if ev.Kind == DetectorRepCompleted {
			sawRep = true
		}
	}
	if !sawRep {
		t.Error("wrapped completion counter did not produce a rep")
	}
	if d.WarmupReps() != 1 {
		t.Errorf("WarmupReps = %d, want 1", d.WarmupReps())
	}
}

func TestDetectorCalibratedRange(t *testing.T) {
	d := NewRepDetector(DetectorConfig{WarmupTarget: 3, TargetReps: 0})
	notify(d, 0, 0, 0, 0)

	if _, _, ok := d.CalibratedRange(0); ok {
		t.Error("range reported before any positions observed")
	}

	// Tops at 2000 and 2200, bottoms at 100 and 120: the calibration
	// window holds two samples, so the range is the pair means.
	notify(d, 1, 0, 2000, 2000)
	notify(d, 1, 1, 100, 100)
	notify(d, 2, 1, 2200, 2200)
	notify(d, 2, 2, 120, 120)

	for cable := range 2 {
		min, max, ok := d.CalibratedRange(cable)
		if !ok {
			t.Fatalf("cable %d: range not available", cable)
		}
		if min != 110 {
			t.Errorf("cable %d: min = %v, want 110", cable, min)
		}
		if max != 2100 {
			t.Errorf("cable %d: max = %v, want 2100", cable, max)
		}
	}
}

func TestDetectorReset(t *testing.T) {
	d := NewRepDetector(DetectorConfig{WarmupTarget: 3, TargetReps: 1})
	notify(d, 0, 0, 100, 100)
	for rep := uint16(1); rep <= 4; rep++ {
		simulateRep(d, rep, 2000, 100)
	}
	if !d.Done() {
		t.Fatal("session did not complete")
	}

	d.Reset()
	if d.Done() || d.WarmupReps() != 0 || d.WorkingReps() != 0 {
		t.Error("Reset did not clear detector state")
	}
	if _, _, ok := d.CalibratedRange(0); ok {
		t.Error("Reset did not clear calibration")
	}
	// Fresh seed required again after reset.
	if events := notify(d, 7, 7, 100, 100); len(events) != 0 {
		t.Errorf("first notification after reset produced %d events, want 0", len(events))
	}
}

func TestPositionRingResizeKeepsRecent(t *testing.T) {
	r := newPositionRing(2)
	r.push(10)
	r.push(20)
	r.push(30) // evicts 10

	r.resize(3)
	r.push(40)
	mean, ok := r.mean()
	if !ok {
		t.Fatal("mean not available")
	}
	if mean != 30 {
		t.Errorf("mean after resize = %v, want 30", mean)
	}
}
