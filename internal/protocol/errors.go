package protocol

import "fmt"

// ValidationError reports a caller-supplied parameter that is outside the
// documented contract. It is returned before any bytes are written.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %s: %s", e.Field, e.Msg)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// MalformedPayloadError reports a device payload too short for the fields
// being decoded. Callers should drop the payload and keep polling.
type MalformedPayloadError struct {
	What string
	Len  int
	Min  int
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("protocol: malformed %s payload: %d bytes, need at least %d", e.What, e.Len, e.Min)
}
