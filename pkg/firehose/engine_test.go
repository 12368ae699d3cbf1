package firehose

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/qdl-tools/qdl-go/pkg/xfer"
)

// fakeDevice scripts the target side of the channel. Each engine write pops
// one step; the step's replies are queued for subsequent reads. Raw payload
// chunks count as writes too, so a program exchange scripts one step per
// chunk with the terminal ack attached to the last one.
type fakeDevice struct {
	steps  [][][]byte
	out    [][]byte
	writes [][]byte
}

func (f *fakeDevice) expect(replies ...[]byte) {
	f.steps = append(f.steps, replies)
}

func (f *fakeDevice) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	if len(f.steps) == 0 {
		return len(p), nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	f.out = append(f.out, step...)
	return len(p), nil
}

func (f *fakeDevice) Read(p []byte) (int, error) {
	if len(f.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.out[0])
	if n < len(f.out[0]) {
		f.out[0] = f.out[0][n:]
	} else {
		f.out = f.out[1:]
	}
	return n, nil
}

func doc(inner string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8" ?><data>` + inner + `</data>`)
}

func ackDoc(extraAttrs string) []byte {
	return doc(`<response value="ACK" ` + extraAttrs + `/>`)
}

func nakDoc(extraAttrs string) []byte {
	return doc(`<response value="NAK" ` + extraAttrs + `/>`)
}

func logDoc(msg string) []byte {
	return doc(`<log value="` + msg + `" />`)
}

func testConfig() Config {
	return Config{StorageType: StorageUfs, SectorSize: 4096}
}

func TestConfigureNegotiatesDown(t *testing.T) {
	fd := &fakeDevice{}
	fd.expect(logDoc("Only 64KiB buffers available"),
		nakDoc(`MaxPayloadSizeToTargetInBytes="65536"`))
	fd.expect(ackDoc(`MaxPayloadSizeToTargetInBytes="65536" MaxXMLSizeInBytes="8192" MinVersionSupported="1"`))

	e := New(fd, testConfig())
	if err := e.Configure(); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	if got := e.Config().MaxPayloadSize; got != 65536 {
		t.Errorf("negotiated payload size = %d, want 65536", got)
	}
	if got := e.Config().MaxXMLSize; got != 8192 {
		t.Errorf("negotiated xml size = %d, want 8192", got)
	}
	if len(fd.writes) != 2 {
		t.Fatalf("engine made %d writes, want 2 configure attempts", len(fd.writes))
	}
	if !strings.Contains(string(fd.writes[1]), `MaxPayloadSizeToTargetInBytes="65536"`) {
		t.Errorf("retry did not carry the counter-offered size: %s", fd.writes[1])
	}
}

func TestConfigureRejectsNewerProtocol(t *testing.T) {
	fd := &fakeDevice{}
	fd.expect(ackDoc(`MaxPayloadSizeToTargetInBytes="1048576" MinVersionSupported="2"`))

	e := New(fd, testConfig())
	err := e.Configure()
	var verr *VersionError
	if !errors.As(err, &verr) {
		t.Fatalf("error is %T (%v), want *firehose.VersionError", err, err)
	}
	if verr.DeviceMinVersion != 2 {
		t.Errorf("DeviceMinVersion = %d, want 2", verr.DeviceMinVersion)
	}
}

func TestConfigureReconfiguresUp(t *testing.T) {
	fd := &fakeDevice{}
	fd.expect(ackDoc(`MaxPayloadSizeToTargetInBytes="4096" MaxPayloadSizeToTargetInBytesSupported="16384"`))
	fd.expect(ackDoc(`MaxPayloadSizeToTargetInBytes="16384"`))

	cfg := testConfig()
	cfg.MaxPayloadSize = 4096
	e := New(fd, cfg)
	if err := e.Configure(); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	if got := e.Config().MaxPayloadSize; got != 16384 {
		t.Errorf("payload size after upward reconfigure = %d, want 16384", got)
	}
	if !strings.Contains(string(fd.writes[1]), `MaxPayloadSizeToTargetInBytes="16384"`) {
		t.Errorf("second configure did not request the supported size: %s", fd.writes[1])
	}
}

func TestReadStorageChunks(t *testing.T) {
	payload := make([]byte, 400*512) // 3 full 64KiB chunks plus an 8KiB tail
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	fd := &fakeDevice{}
	fd.expect(ackDoc(`rawmode="true"`), payload, ackDoc(""))

	cfg := Config{StorageType: StorageEmmc, SectorSize: 512, MaxPayloadSize: 65536}
	e := New(fd, cfg)

	var dst bytes.Buffer
	var ticks []xfer.Progress
	err := e.ReadStorage(&dst, 400, 0, 0, 0, func(p xfer.Progress) {
		ticks = append(ticks, p)
	})
	if err != nil {
		t.Fatalf("ReadStorage() failed: %v", err)
	}
	if !bytes.Equal(dst.Bytes(), payload) {
		t.Fatal("read data differs from device payload")
	}
	if len(ticks) != 4 {
		t.Fatalf("progress fired %d times, want 4 chunks", len(ticks))
	}
	last := ticks[len(ticks)-1]
	if last.Transferred != int64(len(payload)) || last.Total != int64(len(payload)) {
		t.Errorf("final progress = %+v, want transferred == total == %d", last, len(payload))
	}
}

func TestProgramPadsFinalChunk(t *testing.T) {
	src := make([]byte, 700)
	for i := range src {
		src[i] = byte(i + 1)
	}

	fd := &fakeDevice{}
	fd.expect(ackDoc(`rawmode="true"`)) // program command
	fd.expect(ackDoc(""))               // single payload chunk

	cfg := Config{StorageType: StorageEmmc, SectorSize: 512, MaxPayloadSize: 65536}
	e := New(fd, cfg)
	if err := e.Program(bytes.NewReader(src), "modem", 2, 0, 0, "1000", nil); err != nil {
		t.Fatalf("Program() failed: %v", err)
	}

	if len(fd.writes) != 2 {
		t.Fatalf("engine made %d writes, want command + one chunk", len(fd.writes))
	}
	chunk := fd.writes[1]
	if len(chunk) != 1024 {
		t.Fatalf("chunk length = %d, want the full declared 1024 bytes", len(chunk))
	}
	if !bytes.Equal(chunk[:700], src) {
		t.Error("chunk prefix differs from source data")
	}
	for i := 700; i < 1024; i++ {
		if chunk[i] != 0 {
			t.Fatalf("chunk byte %d = %#x, want zero padding", i, chunk[i])
		}
	}
}

func TestProgramRejectsNestedCommand(t *testing.T) {
	fd := &fakeDevice{}
	fd.expect(ackDoc(`rawmode="true"`))
	fd.expect(ackDoc(""))

	cfg := Config{StorageType: StorageEmmc, SectorSize: 512, MaxPayloadSize: 65536}
	e := New(fd, cfg)

	var nested error
	src := bytes.NewReader(make([]byte, 512))
	err := e.Program(src, "tz", 1, 0, 0, "0", func(xfer.Progress) {
		nested = e.Nop()
	})
	if err != nil {
		t.Fatalf("Program() failed: %v", err)
	}
	if !errors.Is(nested, ErrBusy) {
		t.Errorf("nested command returned %v, want ErrBusy", nested)
	}
}

func TestNakSurfacesDeviceReason(t *testing.T) {
	fd := &fakeDevice{}
	fd.expect(logDoc("Failed to open the device"), nakDoc(""))

	e := New(fd, Config{StorageType: StorageEmmc, SectorSize: 512})
	err := e.Erase(1, 0, 0)
	var nak *NakError
	if !errors.As(err, &nak) {
		t.Fatalf("error is %T (%v), want *firehose.NakError", err, err)
	}
	if nak.Cmd != "erase" {
		t.Errorf("NakError.Cmd = %q, want erase", nak.Cmd)
	}
	if nak.Message != "Failed to open the device" {
		t.Errorf("NakError.Message = %q, want the device log line", nak.Message)
	}
}

func TestPeekReturnsLogLines(t *testing.T) {
	fd := &fakeDevice{}
	fd.expect(logDoc("0x00100000: 0xDEADBEEF"), logDoc("0x00100004: 0xCAFEF00D"), ackDoc(""))

	e := New(fd, Config{StorageType: StorageEmmc, SectorSize: 512})
	logs, err := e.Peek(0x100000, 8)
	if err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}
	want := []string{"0x00100000: 0xDEADBEEF", "0x00100004: 0xCAFEF00D"}
	if len(logs) != len(want) {
		t.Fatalf("Peek returned %d log lines, want %d", len(logs), len(want))
	}
	for i := range want {
		if logs[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, logs[i], want[i])
		}
	}
}
