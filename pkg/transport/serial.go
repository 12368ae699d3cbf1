package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// serialTransport drives a device exposed as a serial port (e.g. COM4 on
// Windows, /dev/ttyUSB0 elsewhere). EDL talks raw 115200 8N1.
type serialTransport struct {
	port serial.Port
	path string
}

func openSerial(devPath string) (*serialTransport, error) {
	if devPath == "" {
		return nil, fmt.Errorf("serial port path unspecified")
	}

	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(devPath, mode)
	if err != nil {
		return nil, fmt.Errorf("cannot open serial port %q: %w", devPath, err)
	}
	if err := port.SetReadTimeout(ioTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("cannot set read timeout on %q: %w", devPath, err)
	}

	return &serialTransport{port: port, path: devPath}, nil
}

func (s *serialTransport) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err != nil {
		return n, err
	}
	// The port library signals an expired read timeout as a zero-length
	// read, not an error.
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (s *serialTransport) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialTransport) Close() error {
	return s.port.Close()
}

func (s *serialTransport) Name() string {
	return fmt.Sprintf("serial port %q", s.path)
}
