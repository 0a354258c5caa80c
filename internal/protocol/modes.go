package protocol

import "encoding/binary"

// BaseMode selects the resistance profile for a fixed-rep or Just Lift
// program. Each mode maps to a 32-byte profile block copied verbatim into
// the ProgramParams frame.
type BaseMode int

const (
	ModeOldSchool BaseMode = iota
	ModePump
	ModeTimeUnderTension
	ModeEccentricOnly
	ModeElastic
)

func (m BaseMode) String() string {
	switch m {
	case ModeOldSchool:
		return "old-school"
	case ModePump:
		return "pump"
	case ModeTimeUnderTension:
		return "time-under-tension"
	case ModeEccentricOnly:
		return "eccentric-only"
	case ModeElastic:
		return "elastic"
	default:
		return "unknown"
	}
}

// ParseBaseMode maps a config/CLI name to a BaseMode.
func ParseBaseMode(s string) (BaseMode, bool) {
	for _, m := range []BaseMode{ModeOldSchool, ModePump, ModeTimeUnderTension, ModeEccentricOnly, ModeElastic} {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}

// modeProfile is the per-mode block of timing and force constants at offset
// 0x30 of the ProgramParams frame. The values were captured from traffic of
// the vendor app and are sent back verbatim; only the field layout is known.
type modeProfile struct {
	RampUpMs       uint16  // 0x00
	RampDownMs     uint16  // 0x02
	HoldMs         uint16  // 0x04
	DeadbandUnits  int16   // 0x06, position units
	ConcentricGain float32 // 0x08
	EccentricGain  float32 // 0x0C
	Smoothing      float32 // 0x10
	ForceFloorKg   float32 // 0x14
	ForceCapKg     float32 // 0x18
	VelocityLimit  float32 // 0x1C, units/s
}

// appendTo writes the 32-byte profile block.
func (p modeProfile) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, p.RampUpMs)
	buf = binary.LittleEndian.AppendUint16(buf, p.RampDownMs)
	buf = binary.LittleEndian.AppendUint16(buf, p.HoldMs)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(p.DeadbandUnits))
	buf = appendFloat32(buf, p.ConcentricGain)
	buf = appendFloat32(buf, p.EccentricGain)
	buf = appendFloat32(buf, p.Smoothing)
	buf = appendFloat32(buf, p.ForceFloorKg)
	buf = appendFloat32(buf, p.ForceCapKg)
	buf = appendFloat32(buf, p.VelocityLimit)
	return buf
}

var modeProfiles = map[BaseMode]modeProfile{
	ModeOldSchool: {
		RampUpMs: 250, RampDownMs: 250, HoldMs: 0, DeadbandUnits: 40,
		ConcentricGain: 1.0, EccentricGain: 1.0, Smoothing: 0.25,
		ForceFloorKg: 2.0, ForceCapKg: 110.0, VelocityLimit: 1200,
	},
	ModePump: {
		RampUpMs: 120, RampDownMs: 120, HoldMs: 0, DeadbandUnits: 25,
		ConcentricGain: 0.9, EccentricGain: 0.75, Smoothing: 0.4,
		ForceFloorKg: 2.0, ForceCapKg: 110.0, VelocityLimit: 1500,
	},
	ModeTimeUnderTension: {
		RampUpMs: 400, RampDownMs: 600, HoldMs: 350, DeadbandUnits: 40,
		ConcentricGain: 1.0, EccentricGain: 1.1, Smoothing: 0.2,
		ForceFloorKg: 2.0, ForceCapKg: 110.0, VelocityLimit: 900,
	},
	ModeEccentricOnly: {
		RampUpMs: 200, RampDownMs: 800, HoldMs: 0, DeadbandUnits: 40,
		ConcentricGain: 0.5, EccentricGain: 1.35, Smoothing: 0.2,
		ForceFloorKg: 2.0, ForceCapKg: 110.0, VelocityLimit: 900,
	},
	ModeElastic: {
		RampUpMs: 100, RampDownMs: 100, HoldMs: 0, DeadbandUnits: 20,
		ConcentricGain: 1.2, EccentricGain: 0.6, Smoothing: 0.5,
		ForceFloorKg: 1.0, ForceCapKg: 110.0, VelocityLimit: 2000,
	},
}

// EchoLevel selects the difficulty tier for Echo mode. Each level maps to a
// fixed set of gain/cap/smoothing constants.
type EchoLevel int

const (
	EchoLight EchoLevel = iota
	EchoModerate
	EchoHard
	EchoMax
)

func (l EchoLevel) String() string {
	switch l {
	case EchoLight:
		return "light"
	case EchoModerate:
		return "moderate"
	case EchoHard:
		return "hard"
	case EchoMax:
		return "max"
	default:
		return "unknown"
	}
}

// ParseEchoLevel maps a config/CLI name to an EchoLevel.
func ParseEchoLevel(s string) (EchoLevel, bool) {
	for _, l := range []EchoLevel{EchoLight, EchoModerate, EchoHard, EchoMax} {
		if l.String() == s {
			return l, true
		}
	}
	return 0, false
}

// echoProfile holds the derived constants for one Echo level.
type echoProfile struct {
	Gain      float32
	Cap       float32
	Smoothing float32
	Floor     float32
	NegLimit  float32
}

var echoProfiles = map[EchoLevel]echoProfile{
	EchoLight:    {Gain: 0.6, Cap: 40.0, Smoothing: 0.5, Floor: 2.0, NegLimit: -10.0},
	EchoModerate: {Gain: 0.8, Cap: 60.0, Smoothing: 0.4, Floor: 2.0, NegLimit: -15.0},
	EchoHard:     {Gain: 1.0, Cap: 85.0, Smoothing: 0.3, Floor: 3.0, NegLimit: -20.0},
	EchoMax:      {Gain: 1.2, Cap: 110.0, Smoothing: 0.2, Floor: 4.0, NegLimit: -25.0},
}
