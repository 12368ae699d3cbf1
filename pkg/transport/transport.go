// Package transport provides the byte channel to a device in Emergency
// Download mode, over either a USB bulk endpoint pair or a serial port.
package transport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Both protocols stall hard if the device went away, so every backend read
// and write is bounded by this.
const ioTimeout = 10 * time.Second

// ErrTimeout is returned when the device did not produce or accept data in
// time. There is no way to cancel a half-exchanged command, so callers must
// treat this as fatal for the running operation.
var ErrTimeout = errors.New("transport: timed out waiting for device")

// Transport is an exclusively-owned channel to a single device. It is not
// safe for concurrent use; the protocol engines serialize all access.
type Transport interface {
	io.ReadWriteCloser
	// Name describes the underlying device. Not machine readable.
	Name() string
}

// Backend selects the physical channel implementation.
type Backend int

const (
	BackendUSB Backend = iota
	BackendSerial
)

func (b Backend) String() string {
	switch b {
	case BackendUSB:
		return "usb"
	case BackendSerial:
		return "serial"
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// BackendFromString parses a user-supplied backend name.
func BackendFromString(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "", "usb":
		return BackendUSB, nil
	case "serial":
		return BackendSerial, nil
	}
	return 0, fmt.Errorf("unknown backend %q (want usb or serial)", s)
}

// Open sets up the target device channel. devPath is required for the serial
// backend; serialNo optionally narrows USB device selection when several
// devices sit in EDL mode at once.
func Open(backend Backend, devPath, serialNo string) (Transport, error) {
	switch backend {
	case BackendSerial:
		return openSerial(devPath)
	case BackendUSB:
		return openUSB(serialNo)
	}
	return nil, fmt.Errorf("unknown backend %v", backend)
}
