package sahara

import "fmt"

// Error is a fatal Sahara protocol violation. A corrupted handshake can
// leave the bootrom in a state that only a power cycle recovers from, so
// none of these are retried.
type Error struct {
	Op  string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sahara: %s: %s", e.Op, e.Msg)
}

func protoErr(op, format string, args ...interface{}) *Error {
	return &Error{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// StatusError carries a non-zero status code reported by the target in an
// END_OF_IMAGE_TRANSFER packet.
type StatusError struct {
	Code uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sahara: target reported %s", statusName(e.Code))
}
