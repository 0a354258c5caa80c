package protocol

import (
	"encoding/binary"
	"time"
)

// Monitor payload layout (16 bytes, all little-endian u16 words):
// ticksLo@0x00, ticksHi@0x02, posA@0x04, loadA@0x06 (kg x100),
// posB@0x08, loadB@0x0A (kg x100), 4 reserved bytes.
const (
	monitorPayloadLen = 16

	// PositionSpikeCeiling is the highest position value the hardware can
	// legitimately report. Anything above it is a sensor glitch and is
	// replaced with the cable's last accepted value.
	PositionSpikeCeiling = 50000
)

// MonitorSample is one decoded telemetry reading. Samples are immutable
// once created; whoever receives one owns it.
type MonitorSample struct {
	Timestamp time.Time `json:"ts"`
	Ticks     uint32    `json:"ticks"`
	PosA      uint16    `json:"pos_a"`
	PosB      uint16    `json:"pos_b"`
	LoadAKg   float64   `json:"load_a_kg"`
	LoadBKg   float64   `json:"load_b_kg"`
}

// MonitorParser decodes monitor payloads, carrying the last accepted
// position per cable so spikes can be replaced rather than propagated.
// Create a fresh parser per connection.
type MonitorParser struct {
	lastPosA uint16
	lastPosB uint16
}

// Parse decodes a 16-byte monitor payload. Position values above
// PositionSpikeCeiling are expected hardware noise, not a protocol
// violation: they are silently substituted with the previous accepted
// value for that cable.
func (p *MonitorParser) Parse(data []byte) (MonitorSample, error) {
	if len(data) < monitorPayloadLen {
		return MonitorSample{}, &MalformedPayloadError{What: "monitor", Len: len(data), Min: monitorPayloadLen}
	}

	word := func(off int) uint16 { return binary.LittleEndian.Uint16(data[off:]) }

	posA := word(0x04)
	if posA > PositionSpikeCeiling {
		posA = p.lastPosA
	} else {
		p.lastPosA = posA
	}
	posB := word(0x08)
	if posB > PositionSpikeCeiling {
		posB = p.lastPosB
	} else {
		p.lastPosB = posB
	}

	return MonitorSample{
		Timestamp: time.Now(),
		Ticks:     uint32(word(0x02))<<16 | uint32(word(0x00)),
		PosA:      posA,
		PosB:      posB,
		LoadAKg:   float64(word(0x06)) / 100,
		LoadBKg:   float64(word(0x0A)) / 100,
	}, nil
}

// Rep notification counter indices.
const (
	RepCounterTop      = 0
	RepCounterUnused   = 1
	RepCounterComplete = 2

	repNotificationMinLen = 6
)

// ParseRepNotification decodes a rep notification into its three u16
// counters: [0]=top-of-range, [1]=unused, [2]=rep complete.
func ParseRepNotification(data []byte) ([3]uint16, error) {
	var counters [3]uint16
	if len(data) < repNotificationMinLen {
		return counters, &MalformedPayloadError{What: "rep notification", Len: len(data), Min: repNotificationMinLen}
	}
	for i := range counters {
		counters[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return counters, nil
}

// CounterDelta returns how far a monotonic modulo-65536 hardware counter
// advanced between two observations, handling wraparound.
func CounterDelta(prev, next uint16) uint16 {
	if next >= prev {
		return next - prev
	}
	return 0xFFFF - prev + next + 1
}
