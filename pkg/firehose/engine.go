package firehose

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/qdl-tools/qdl-go/pkg/transport"
	"github.com/qdl-tools/qdl-go/pkg/xfer"
)

// The highest protocol version this implementation speaks.
const protoVersionSupported = 1

// Engine drives the firehose command channel. The protocol is one command
// in flight at a time: a command document goes out, any number of <log>
// lines come back, and exactly one <response> with an ACK or NAK value
// terminates the exchange. Program and read commands additionally run a raw
// payload phase between the two acks.
type Engine struct {
	rw        io.ReadWriter
	cfg       Config
	log       *zap.SugaredLogger
	deviceLog func(string)
	busy      bool
}

type Option func(*Engine)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithDeviceLog installs a callback receiving every device log line. Log
// lines are diagnostics only; they never decide command outcome.
func WithDeviceLog(fn func(string)) Option {
	return func(e *Engine) { e.deviceLog = fn }
}

func New(rw io.ReadWriter, cfg Config, opts ...Option) *Engine {
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = defaultMaxPayloadSize
	}
	if cfg.MaxXMLSize == 0 {
		cfg.MaxXMLSize = defaultMaxXMLSize
	}
	e := &Engine{
		rw:  rw,
		cfg: cfg,
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the current (possibly renegotiated) session configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Response is the terminal outcome of one command exchange.
type Response struct {
	Ack   bool
	Attrs map[string]string
	Logs  []string
}

// RawMode reports whether the target switched the channel into the raw
// payload phase.
func (r *Response) RawMode() bool {
	return r.Attrs["rawmode"] == "true"
}

func (r *Response) lastLog() string {
	if len(r.Logs) == 0 {
		return ""
	}
	return r.Logs[len(r.Logs)-1]
}

func (e *Engine) begin() error {
	if e.busy {
		return ErrBusy
	}
	e.busy = true
	return nil
}

func (e *Engine) end() {
	e.busy = false
}

func (e *Engine) send(tag string, attrs []Attr) error {
	pkt := BuildPacket(tag, attrs)
	e.log.Debugf("firehose: -> %s", pkt)
	if _, err := e.rw.Write(pkt); err != nil {
		return fmt.Errorf("firehose: writing <%s>: %w", tag, err)
	}
	return nil
}

func (e *Engine) handleLog(line string) {
	if e.deviceLog != nil {
		e.deviceLog(line)
		return
	}
	e.log.Debugf("firehose: device: %s", line)
}

// readDoc assembles one <data> document from the transport. A document may
// span several transport reads on slow serial links.
func (e *Engine) readDoc() (*responseDoc, error) {
	buf := make([]byte, e.cfg.MaxXMLSize)
	var acc []byte
	for {
		n, err := e.rw.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("firehose: reading response: %w", err)
		}
		acc = append(acc, buf[:n]...)
		doc, perr := parseResponseDoc(bytes.Trim(acc, "\x00"))
		if perr == nil {
			return doc, nil
		}
		if len(acc) > 4*e.cfg.MaxXMLSize {
			return nil, fmt.Errorf("firehose: %w", perr)
		}
	}
}

// readTerminal consumes log lines until the single terminal response for
// tag arrives.
func (e *Engine) readTerminal(tag string) (*Response, error) {
	resp := &Response{Attrs: map[string]string{}}
	for {
		doc, err := e.readDoc()
		if err != nil {
			return nil, err
		}
		for _, node := range doc.Nodes {
			switch node.XMLName.Local {
			case "log":
				v, _ := node.attr("value")
				resp.Logs = append(resp.Logs, v)
				e.handleLog(v)
			case "response":
				v, ok := node.attr("value")
				if !ok {
					return nil, &ResponseError{Cmd: tag, Detail: "response element without a value attribute"}
				}
				for k, av := range node.attrMap() {
					resp.Attrs[k] = av
				}
				switch v {
				case "ACK":
					resp.Ack = true
				case "NAK":
					resp.Ack = false
				default:
					return nil, &ResponseError{Cmd: tag, Detail: fmt.Sprintf("response value %q is neither ACK nor NAK", v)}
				}
				return resp, nil
			}
		}
	}
}

// exchange runs one complete command/response round. The caller must hold
// the busy gate.
func (e *Engine) exchange(tag string, attrs []Attr) (*Response, error) {
	if err := e.send(tag, attrs); err != nil {
		return nil, err
	}
	resp, err := e.readTerminal(tag)
	if err != nil {
		return nil, err
	}
	if !resp.Ack {
		return resp, &NakError{Cmd: tag, Message: resp.lastLog()}
	}
	return resp, nil
}

func (e *Engine) command(tag string, attrs []Attr) (*Response, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	return e.exchange(tag, attrs)
}

func bool01(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (r *Response) attrInt(key string) (int64, bool) {
	v, ok := r.Attrs[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ReadWelcome drains the programmer's greeting: the log lines it emits
// right after boot. There is no terminal response before the first
// command, so the greeting ends at the first read timeout (or at a
// response, for programmers that do send one unsolicited).
func (e *Engine) ReadWelcome() error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	for {
		doc, err := e.readDoc()
		if errors.Is(err, transport.ErrTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, node := range doc.Nodes {
			switch node.XMLName.Local {
			case "log":
				v, _ := node.attr("value")
				e.handleLog(v)
			case "response":
				return nil
			}
		}
	}
}

// Nop asks the target to do nothing, hopefully successfully.
func (e *Engine) Nop() error {
	_, err := e.command("nop", nil)
	return err
}

// SetBootable marks the given physical partition (e.g. a UFS LUN) as the
// boot drive.
func (e *Engine) SetBootable(physPartIdx uint8) error {
	_, err := e.command("setbootablestoragedrive", []Attr{
		{"value", strconv.Itoa(int(physPartIdx))},
	})
	return err
}

// Power issues a power command. delay is in seconds; zero lets the target
// act immediately.
func (e *Engine) Power(mode ResetMode, delay int) error {
	attrs := []Attr{{"value", mode.wireValue()}}
	if delay > 0 {
		attrs = append(attrs, Attr{"DelayInSeconds", strconv.Itoa(delay)})
	}
	_, err := e.command("power", attrs)
	return err
}

// Peek reads length bytes of target memory at base. The values come back
// as device log lines, which are returned for display; only the terminal
// ack decides success.
func (e *Engine) Peek(base, length uint64) ([]string, error) {
	resp, err := e.command("peek", []Attr{
		{"address64", fmt.Sprintf("0x%x", base)},
		{"size_in_bytes", strconv.FormatUint(length, 10)},
	})
	if err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// Erase wipes a sector range of a physical partition. No payload phase; a
// single ack decides the outcome.
func (e *Engine) Erase(numSectors int64, physPartIdx uint8, startSector uint64) error {
	_, err := e.command("erase", []Attr{
		{"StorageType", string(e.cfg.StorageType)},
		{"SECTOR_SIZE_IN_BYTES", strconv.Itoa(e.cfg.SectorSize)},
		{"num_partition_sectors", strconv.FormatInt(numSectors, 10)},
		{"physical_partition_number", strconv.Itoa(int(physPartIdx))},
		{"start_sector", strconv.FormatUint(startSector, 10)},
	})
	return err
}

// Patch applies one in-place edit to a partition's on-storage structures
// (GPT and boot records). filename selects the patch target; only "DISK"
// patches reach the device.
func (e *Engine) Patch(byteOffset int64, physPartIdx uint8, sizeBytes int64, startSector, value, filename string) error {
	_, err := e.command("patch", []Attr{
		{"SECTOR_SIZE_IN_BYTES", strconv.Itoa(e.cfg.SectorSize)},
		{"byte_offset", strconv.FormatInt(byteOffset, 10)},
		{"filename", filename},
		{"physical_partition_number", strconv.Itoa(int(physPartIdx))},
		{"size_in_bytes", strconv.FormatInt(sizeBytes, 10)},
		{"start_sector", startSector},
		{"value", value},
	})
	return err
}

// GetStorageDigest asks the programmer to hash a sector range. The digest
// is reported through log lines, which are returned for the caller to
// inspect.
func (e *Engine) GetStorageDigest(numSectors int64, physPartIdx uint8, startSector uint64) ([]string, error) {
	resp, err := e.command("getsha256digest", []Attr{
		{"SECTOR_SIZE_IN_BYTES", strconv.Itoa(e.cfg.SectorSize)},
		{"num_partition_sectors", strconv.FormatInt(numSectors, 10)},
		{"physical_partition_number", strconv.Itoa(int(physPartIdx))},
		{"start_sector", strconv.FormatUint(startSector, 10)},
	})
	if err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// Program writes numSectors sectors starting at startSector on the given
// physical partition, streaming the payload from src in negotiated-size
// chunks. If src runs short the tail is zero padded: the declared total and
// the bytes put on the wire must match exactly. startSector may be an
// expression (e.g. "NUM_DISK_SECTORS-5."), which the target evaluates.
func (e *Engine) Program(src io.Reader, label string, numSectors int64, slot, physPartIdx uint8, startSector string, progress xfer.ProgressFunc) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	attrs := []Attr{
		{"SECTOR_SIZE_IN_BYTES", strconv.Itoa(e.cfg.SectorSize)},
		{"num_partition_sectors", strconv.FormatInt(numSectors, 10)},
		{"physical_partition_number", strconv.Itoa(int(physPartIdx))},
		{"start_sector", startSector},
	}
	if slot != 0 {
		attrs = append(attrs, Attr{"slot", strconv.Itoa(int(slot))})
	}
	if _, err := e.exchange("program", attrs); err != nil {
		return err
	}

	total := numSectors * int64(e.cfg.SectorSize)
	plan, err := xfer.Plan(total, int64(e.cfg.MaxPayloadSize))
	if err != nil {
		return err
	}
	e.log.Debugf("firehose: programming %s: %d sectors (%d bytes) in %d chunks", label, numSectors, total, len(plan))

	buf := make([]byte, e.cfg.MaxPayloadSize)
	var sent int64
	for _, c := range plan {
		chunk := buf[:c.Length]
		n, err := io.ReadFull(src, chunk)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Source exhausted; pad the remainder of the declared range.
			for i := n; i < len(chunk); i++ {
				chunk[i] = 0
			}
		} else if err != nil {
			return fmt.Errorf("firehose: reading source for %s at offset %d: %w", label, c.Offset, err)
		}
		if _, err := e.rw.Write(chunk); err != nil {
			return fmt.Errorf("firehose: writing payload at offset %d: %w", c.Offset, err)
		}
		sent += c.Length
		if progress != nil {
			progress(xfer.Progress{Transferred: sent, Total: total})
		}
	}

	resp, err := e.readTerminal("program")
	if err != nil {
		return err
	}
	if !resp.Ack {
		return &NakError{Cmd: "program", Message: resp.lastLog()}
	}
	return nil
}

// ReadStorage reads numSectors sectors starting at startSector into dst,
// chunked to the negotiated payload ceiling.
func (e *Engine) ReadStorage(dst io.Writer, numSectors int64, slot, physPartIdx uint8, startSector uint64, progress xfer.ProgressFunc) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	attrs := []Attr{
		{"SECTOR_SIZE_IN_BYTES", strconv.Itoa(e.cfg.SectorSize)},
		{"num_partition_sectors", strconv.FormatInt(numSectors, 10)},
		{"physical_partition_number", strconv.Itoa(int(physPartIdx))},
		{"start_sector", strconv.FormatUint(startSector, 10)},
	}
	if slot != 0 {
		attrs = append(attrs, Attr{"slot", strconv.Itoa(int(slot))})
	}
	if _, err := e.exchange("read", attrs); err != nil {
		return err
	}

	total := numSectors * int64(e.cfg.SectorSize)
	plan, err := xfer.Plan(total, int64(e.cfg.MaxPayloadSize))
	if err != nil {
		return err
	}

	buf := make([]byte, e.cfg.MaxPayloadSize)
	var done int64
	for _, c := range plan {
		chunk := buf[:c.Length]
		if _, err := io.ReadFull(e.rw, chunk); err != nil {
			return fmt.Errorf("firehose: reading payload at offset %d: %w", c.Offset, err)
		}
		if _, err := dst.Write(chunk); err != nil {
			return fmt.Errorf("firehose: writing output at offset %d: %w", c.Offset, err)
		}
		done += c.Length
		if progress != nil {
			progress(xfer.Progress{Transferred: done, Total: total})
		}
	}

	resp, err := e.readTerminal("read")
	if err != nil {
		return err
	}
	if !resp.Ack {
		return &NakError{Cmd: "read", Message: resp.lastLog()}
	}
	return nil
}
