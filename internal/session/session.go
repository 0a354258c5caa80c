package session

import (
	"time"

	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/protocol"
)

// Mode distinguishes the two session families.
type Mode string

const (
	ModeProgram Mode = "program"
	ModeEcho    Mode = "echo"
)

// State is the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateWarmup
	StateWorking
	StateStopping
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWarmup:
		return "warmup"
	case StateWorking:
		return "working"
	case StateStopping:
		return "stopping"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ProgramRequest describes a resistance program. Use FixedProgram or
// JustLiftProgram; the two variants differ in whether a rep target exists,
// and the constructors keep the flag and the count from drifting apart.
type ProgramRequest struct {
	Mode          protocol.BaseMode
	JustLift      bool
	Reps          int // 0 when JustLift
	PerCableKg    float64
	ProgressionKg float64
	// StopAtTop completes the set on the final rep's top event instead of
	// its bottom, followed by an explicit stop command.
	StopAtTop bool
	// WeightLimitKg optionally saturates a positive progression: once the
	// per-rep increase would push the per-cable load past the limit, the
	// progression is frozen at the limit. Zero disables the feature. Not
	// applicable to Just Lift.
	WeightLimitKg float64
}

// FixedProgram builds a request with a rep target.
func FixedProgram(mode protocol.BaseMode, reps int, perCableKg, progressionKg float64) ProgramRequest {
	return ProgramRequest{
		Mode:          mode,
		Reps:          reps,
		PerCableKg:    perCableKg,
		ProgressionKg: progressionKg,
	}
}

// JustLiftProgram builds an open-ended request; the auto-stop gate ends it.
func JustLiftProgram(mode protocol.BaseMode, perCableKg float64) ProgramRequest {
	return ProgramRequest{
		Mode:       mode,
		JustLift:   true,
		PerCableKg: perCableKg,
	}
}

// frameParams maps the request onto wire parameters.
func (r ProgramRequest) frameParams() protocol.ProgramParams {
	return protocol.ProgramParams{
		BaseMode:      r.Mode,
		JustLift:      r.JustLift,
		Reps:          r.Reps,
		PerCableKg:    r.PerCableKg,
		EffectiveKg:   r.PerCableKg + protocol.EffectiveKgOffset,
		ProgressionKg: r.ProgressionKg,
	}
}

// EchoRequest describes an echo-mode session.
type EchoRequest struct {
	Level        protocol.EchoLevel
	EccentricPct int
	WarmupReps   int // 0 means protocol.DefaultWarmupReps
	JustLift     bool
	TargetReps   int // 0 when JustLift
}

func (r EchoRequest) frameParams() protocol.EchoParams {
	warmup := r.WarmupReps
	if warmup == 0 {
		warmup = protocol.DefaultWarmupReps
	}
	return protocol.EchoParams{
		Level:        r.Level,
		EccentricPct: r.EccentricPct,
		WarmupReps:   warmup,
		TargetReps:   r.TargetReps,
		JustLift:     r.JustLift,
	}
}

// Session is the controller's record of the active set. It is owned
// exclusively by the controller and invalidated atomically on disconnect.
type Session struct {
	Mode      Mode
	State     State
	StartTime time.Time
	WarmupEnd time.Time // zero until warmup completes
	EndTime   time.Time // zero until the session ends

	targetReps int
	// program is set for program sessions and nil for echo sessions; the
	// stop-at-top and weight-limit paths read it.
	program *ProgramRequest
}

// Summary is the archived record of a finished session. WorkingReps is the
// count actually performed, not the requested target.
type Summary struct {
	Mode        Mode      `json:"mode"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	WarmupReps  int       `json:"warmup_reps"`
	WorkingReps int       `json:"working_reps"`
	TargetReps  int       `json:"target_reps"`
	Reason      string    `json:"reason"` // completed, stopped, autostop, disconnected
}
