package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected resolves any operation that was queued or in flight
	// when the link dropped. Partial success is never reported.
	ErrDisconnected = errors.New("ble: disconnected")

	// ErrTimeout is returned when a bounded wait on a GATT transaction or
	// connection attempt expires.
	ErrTimeout = errors.New("ble: operation timed out")

	// ErrNotConnected is returned for operations issued before Connect.
	ErrNotConnected = errors.New("ble: not connected")
)

// TransportError wraps a transient platform-level BLE failure. Callers on
// the stop path may retry a bounded number of times; everyone else should
// surface it immediately.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
