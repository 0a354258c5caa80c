package protocol

import (
	"encoding/binary"
	"math"
)

// Command identifiers (u32 little-endian at offset 0 of each frame).
const (
	cmdInit    = 0x0A
	cmdPreset  = 0x0C
	cmdProgram = 0x04
	cmdEcho    = 0x0F
	cmdColor   = 0x0D
)

const (
	// DefaultWarmupReps is the number of calibration reps performed before
	// reps that count toward the target. The machine expects the encoded rep
	// count to include them.
	DefaultWarmupReps = 3

	// RepCountJustLift is the rep-field sentinel for open-ended sessions.
	RepCountJustLift = 0xFF

	// EffectiveKgOffset is the fixed delta between the per-cable load the
	// user selects and the effective load the machine is told to produce.
	EffectiveKgOffset = 10.0

	// concentricPct is constant on the wire; only the eccentric side is
	// user-tunable.
	concentricPct = 50
)

// ProgramParams carries the inputs for a fixed-rep or Just Lift program
// frame. EffectiveKg must equal PerCableKg+EffectiveKgOffset; both are kept
// explicit because both travel on the wire.
type ProgramParams struct {
	BaseMode      BaseMode
	JustLift      bool
	Reps          int // ignored when JustLift
	PerCableKg    float64
	EffectiveKg   float64
	ProgressionKg float64 // signed per-rep delta
}

// EchoParams carries the inputs for an Echo control frame.
type EchoParams struct {
	Level        EchoLevel
	EccentricPct int
	WarmupReps   int
	TargetReps   int // ignored when JustLift
	JustLift     bool
}

// BuildInitCommand returns the fixed 4-byte init frame. The same bytes are
// reused verbatim as the STOP command.
func BuildInitCommand() Frame {
	buf := binary.LittleEndian.AppendUint32(nil, cmdInit)
	return newFrame(FrameInitCommand, buf)
}

// BuildStopCommand is an alias of BuildInitCommand kept for call-site
// clarity on the safety path.
func BuildStopCommand() Frame {
	return BuildInitCommand()
}

// initPresetBody is the fixed coefficient/color header sent once after
// connect, byte-for-byte as captured from the vendor app handshake.
var initPresetBody = []byte{
	0x01, 0x00, 0x00, 0x00, // scale coefficient 1.0 (q16)
	0x00, 0x00, 0x80, 0x3F, // f32 1.0
	0x00, 0x00, 0x00, 0x3F, // f32 0.5
	0xCD, 0xCC, 0x4C, 0x3E, // f32 0.2
	0x00, 0x00, 0x00, 0x00, // reserved
	0x00, 0x7F, 0xFF, // default color 1
	0x20, 0xC0, 0x40, // default color 2
	0xFF, 0x40, 0x00, // default color 3
	0x64, // default brightness percent
}

// BuildInitPreset returns the 34-byte preset frame sent once after connect.
func BuildInitPreset() Frame {
	buf := binary.LittleEndian.AppendUint32(nil, cmdPreset)
	buf = append(buf, initPresetBody...)
	return newFrame(FrameInitPreset, buf)
}

// programHeaderConstants covers offsets 0x05..0x2F of the ProgramParams
// frame: protocol version, chirp/LED flags, and pad bytes that never vary.
var programHeaderConstants = [43]byte{
	0x02,                   // 0x05 protocol version
	0x01,                   // 0x06 both cables active
	0x00,                   // 0x07
	0x10, 0x27, 0x00, 0x00, // 0x08 session timeout, ms (10000)
	0xE8, 0x03, // 0x0C rep debounce, ms (1000)
	0x01, // 0x0E chirp on rep
	0x01, // 0x0F LED feedback
	// 0x10..0x2F zero padding
}

// BuildProgramParams validates p and returns the 96-byte program frame.
func BuildProgramParams(p ProgramParams) (Frame, error) {
	profile, ok := modeProfiles[p.BaseMode]
	if !ok {
		return Frame{}, validationErrorf("baseMode", "unknown mode %d", int(p.BaseMode))
	}
	if p.PerCableKg < 0 || p.PerCableKg > 100 {
		return Frame{}, validationErrorf("perCableKg", "%.2f out of range [0,100]", p.PerCableKg)
	}
	if p.EffectiveKg < 10 || p.EffectiveKg > 110 {
		return Frame{}, validationErrorf("effectiveKg", "%.2f out of range [10,110]", p.EffectiveKg)
	}
	if p.ProgressionKg < -3 || p.ProgressionKg > 3 {
		return Frame{}, validationErrorf("progressionKg", "%.2f out of range [-3,3]", p.ProgressionKg)
	}
	if !p.JustLift && (p.Reps < 1 || p.Reps > 100) {
		return Frame{}, validationErrorf("reps", "%d out of range [1,100]", p.Reps)
	}

	buf := make([]byte, 0, FrameProgramParams.Size())
	buf = binary.LittleEndian.AppendUint32(buf, cmdProgram)
	if p.JustLift {
		buf = append(buf, RepCountJustLift)
	} else {
		// The machine counts warmup reps toward the encoded total.
		buf = append(buf, byte(p.Reps+DefaultWarmupReps))
	}
	buf = append(buf, programHeaderConstants[:]...) // through 0x2F
	buf = profile.appendTo(buf)                     // 0x30..0x4F
	buf = append(buf, 0x00, 0x00, 0x00, 0x00)       // 0x50 reserved
	buf = appendFloat32(buf, float32(p.EffectiveKg))
	buf = appendFloat32(buf, float32(p.PerCableKg))
	buf = appendFloat32(buf, float32(p.ProgressionKg))
	return newFrame(FrameProgramParams, buf), nil
}

// BuildEchoControl validates p and returns the 32-byte echo frame. The
// gain/cap/smoothing/floor/negLimit constants come from the level table;
// only the eccentric percentage passes through from caller input.
func BuildEchoControl(p EchoParams) (Frame, error) {
	profile, ok := echoProfiles[p.Level]
	if !ok {
		return Frame{}, validationErrorf("level", "unknown echo level %d", int(p.Level))
	}
	if p.EccentricPct < 0 || p.EccentricPct > 150 {
		return Frame{}, validationErrorf("eccentricPct", "%d out of range [0,150]", p.EccentricPct)
	}
	if p.WarmupReps < 0 || p.WarmupReps > 30 {
		return Frame{}, validationErrorf("warmupReps", "%d out of range [0,30]", p.WarmupReps)
	}
	if !p.JustLift && (p.TargetReps < 0 || p.TargetReps > 30) {
		return Frame{}, validationErrorf("targetReps", "%d out of range [0,30]", p.TargetReps)
	}

	buf := make([]byte, 0, FrameEchoControl.Size())
	buf = binary.LittleEndian.AppendUint32(buf, cmdEcho)
	buf = append(buf, byte(p.WarmupReps))
	if p.JustLift {
		buf = append(buf, RepCountJustLift)
	} else {
		buf = append(buf, byte(p.TargetReps))
	}
	buf = append(buf, 0x00, 0x00) // 0x06 reserved
	buf = binary.LittleEndian.AppendUint16(buf, uint16(p.EccentricPct))
	buf = binary.LittleEndian.AppendUint16(buf, concentricPct)
	buf = appendFloat32(buf, profile.Smoothing)
	buf = appendFloat32(buf, profile.Gain)
	buf = appendFloat32(buf, profile.Cap)
	buf = appendFloat32(buf, profile.Floor)
	buf = appendFloat32(buf, profile.NegLimit)
	return newFrame(FrameEchoControl, buf), nil
}

// RGB is one LED color triple.
type RGB struct {
	R, G, B uint8
}

// BuildColorScheme validates the inputs and returns the 34-byte color
// frame. Exactly three colors are required; the triples are repeated twice
// on the wire.
func BuildColorScheme(brightness float64, colors []RGB) (Frame, error) {
	if brightness < 0 || brightness > 1 {
		return Frame{}, validationErrorf("brightness", "%.3f out of range [0,1]", brightness)
	}
	if len(colors) != 3 {
		return Frame{}, validationErrorf("colors", "need exactly 3 colors, got %d", len(colors))
	}

	buf := make([]byte, 0, FrameColorScheme.Size())
	buf = binary.LittleEndian.AppendUint32(buf, cmdColor)
	buf = append(buf, make([]byte, 8)...) // 0x04 reserved
	buf = appendFloat32(buf, float32(brightness))
	for range 2 {
		for _, c := range colors {
			buf = append(buf, c.R, c.G, c.B)
		}
	}
	return newFrame(FrameColorScheme, buf), nil
}

func appendFloat32(buf []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
}
