package firehose

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a command is issued while another one has not
// reached its terminal ack/nak yet. The protocol is strictly one command in
// flight.
var ErrBusy = errors.New("firehose: a command is already in flight")

// NakError is a command the target explicitly rejected. Message carries the
// device-supplied reason, when the target logged one.
type NakError struct {
	Cmd     string
	Message string
}

func (e *NakError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("firehose: target NAKed <%s>", e.Cmd)
	}
	return fmt.Sprintf("firehose: target NAKed <%s>: %s", e.Cmd, e.Message)
}

// ResponseError is a response stream we could not make sense of.
type ResponseError struct {
	Cmd    string
	Detail string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("firehose: malformed response to <%s>: %s", e.Cmd, e.Detail)
}

// VersionError reports a programmer whose minimum supported protocol
// version is newer than what this implementation speaks.
type VersionError struct {
	DeviceMinVersion uint64
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("firehose: device requires protocol version >= %d, we support %d",
		e.DeviceMinVersion, protoVersionSupported)
}
