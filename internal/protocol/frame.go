// Package protocol builds and parses the binary GATT payloads spoken by the
// trainer. Frame builders are pure: they validate their inputs, write fields
// at fixed little-endian offsets, and never touch the BLE link.
package protocol

import "fmt"

// FrameKind identifies one of the fixed-size command frames.
type FrameKind int

const (
	FrameInitCommand FrameKind = iota
	FrameInitPreset
	FrameProgramParams
	FrameEchoControl
	FrameColorScheme
)

// Size returns the exact byte length required for the frame kind.
func (k FrameKind) Size() int {
	switch k {
	case FrameInitCommand:
		return 4
	case FrameInitPreset:
		return 34
	case FrameProgramParams:
		return 96
	case FrameEchoControl:
		return 32
	case FrameColorScheme:
		return 34
	default:
		return 0
	}
}

func (k FrameKind) String() string {
	switch k {
	case FrameInitCommand:
		return "InitCommand"
	case FrameInitPreset:
		return "InitPreset"
	case FrameProgramParams:
		return "ProgramParams"
	case FrameEchoControl:
		return "EchoControl"
	case FrameColorScheme:
		return "ColorScheme"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is an immutable command payload tagged with its kind. Frames are
// only produced by the builders in this package, which guarantee that the
// byte length matches the kind's fixed size.
type Frame struct {
	kind FrameKind
	data []byte
}

// Kind returns the semantic tag of the frame.
func (f Frame) Kind() FrameKind { return f.kind }

// Len returns the frame's byte length.
func (f Frame) Len() int { return len(f.data) }

// Bytes returns a copy of the wire bytes.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

// newFrame seals buf into a Frame, panicking if the builder produced the
// wrong number of bytes. A size mismatch is a bug in this package, not a
// caller error, so it must fail loudly rather than truncate or pad.
func newFrame(kind FrameKind, buf []byte) Frame {
	if len(buf) != kind.Size() {
		panic(fmt.Sprintf("protocol: %s frame is %d bytes, must be %d", kind, len(buf), kind.Size()))
	}
	return Frame{kind: kind, data: buf}
}
