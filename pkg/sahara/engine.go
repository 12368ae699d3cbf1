package sahara

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Engine drives the bootrom side of the Sahara protocol: the hello
// handshake, command-mode queries, loader image transfer, and the
// memory-debug path used for crash dumps.
//
// The protocol is strictly half duplex with the target driving most of the
// exchange; the engine reacts to one packet at a time and keeps its state
// explicit. Any malformed or out-of-place packet is fatal for the session.
type Engine struct {
	rw  io.ReadWriter
	log *zap.SugaredLogger
	st  state
}

type state int

const (
	stateAwaitHello state = iota
	stateImageTx
	stateCommandReady
	stateComplete
	stateErrored
)

func (s state) String() string {
	switch s {
	case stateAwaitHello:
		return "AwaitHello"
	case stateImageTx:
		return "SendingImage"
	case stateCommandReady:
		return "CommandReady"
	case stateComplete:
		return "Complete"
	case stateErrored:
		return "Errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Option func(*Engine)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

func New(rw io.ReadWriter, opts ...Option) *Engine {
	e := &Engine{
		rw:  rw,
		log: zap.NewNop().Sugar(),
		st:  stateAwaitHello,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) fail(err error) error {
	e.st = stateErrored
	return err
}

func (e *Engine) read() (*packet, error) {
	p, err := readPacket(e.rw)
	if err != nil {
		return nil, err
	}
	e.log.Debugf("sahara: <- %v (%d bytes)", p.cmd, headerSize+len(p.payload))
	return p, nil
}

func (e *Engine) write(cmd Command, payload []byte) error {
	e.log.Debugf("sahara: -> %v (%d bytes)", cmd, headerSize+len(payload))
	return writePacket(e.rw, cmd, payload)
}

// SendHelloResponse pushes an unsolicited HELLO_RESPONSE. Used when another
// program on the host already consumed the target's HELLO packet: the
// target's state machine is appeased and proceeds as if the handshake
// completed normally.
func (e *Engine) SendHelloResponse(mode Mode) error {
	if e.st != stateAwaitHello {
		return protoErr("hello", "cannot pre-send hello response in state %v", e.st)
	}
	return e.write(CmdHelloResponse, helloResponsePayload(mode))
}

// handleHello replies to a HELLO, requesting the given mode.
func (e *Engine) handleHello(p *packet, mode Mode) error {
	h, err := parseHello(p)
	if err != nil {
		return err
	}
	e.log.Debugf("sahara: target hello: version %d (compatible %d), mode %v",
		h.Version, h.VersionCompatible, h.Mode)
	return e.write(CmdHelloResponse, helloResponsePayload(mode))
}

// Execute runs a command-mode query and returns the raw response bytes.
// The first call negotiates command mode off the target's HELLO; follow-up
// calls reuse the established command session.
func (e *Engine) Execute(cmd ExecCommand) ([]byte, error) {
	for {
		switch e.st {
		case stateAwaitHello:
			p, err := e.read()
			if err != nil {
				return nil, e.fail(err)
			}
			switch p.cmd {
			case CmdHello:
				if err := e.handleHello(p, ModeCommand); err != nil {
					return nil, e.fail(err)
				}
			case CmdCommandReady:
				e.st = stateCommandReady
			default:
				return nil, e.fail(protoErr("execute", "unexpected %v in state %v", p.cmd, e.st))
			}

		case stateCommandReady:
			if err := e.write(CmdCommandExecute, u32Payload(uint32(cmd))); err != nil {
				return nil, e.fail(err)
			}
			p, err := e.read()
			if err != nil {
				return nil, e.fail(err)
			}
			if p.cmd != CmdCommandExecuteResponse {
				return nil, e.fail(protoErr("execute", "unexpected %v, want COMMAND_EXECUTE_RESPONSE", p.cmd))
			}
			rsp, err := parseExecResponse(p)
			if err != nil {
				return nil, e.fail(err)
			}
			if rsp.Command != cmd {
				return nil, e.fail(protoErr("execute", "response echoes command 0x%x, sent 0x%x", uint32(rsp.Command), uint32(cmd)))
			}
			if err := e.write(CmdCommandExecuteData, u32Payload(uint32(cmd))); err != nil {
				return nil, e.fail(err)
			}
			data := make([]byte, rsp.DataLength)
			if _, err := io.ReadFull(e.rw, data); err != nil {
				return nil, e.fail(fmt.Errorf("reading execute data: %w", err))
			}
			return data, nil

		default:
			return nil, protoErr("execute", "cannot execute commands in state %v", e.st)
		}
	}
}

// SwitchMode leaves command mode. The target answers with a fresh HELLO for
// the new mode, which the next operation consumes.
func (e *Engine) SwitchMode(mode Mode) error {
	if e.st != stateCommandReady {
		return protoErr("switch-mode", "not in command mode (state %v)", e.st)
	}
	if err := e.write(CmdCommandSwitchMode, u32Payload(uint32(mode))); err != nil {
		return e.fail(err)
	}
	e.st = stateAwaitHello
	return nil
}

// LoadImage serves the loader image to the target and runs the transfer to
// completion. The target requests arbitrary [offset, offset+length) slices,
// possibly out of order or overlapping (its own retry mechanism); every
// in-bounds request is served statelessly from img. A request beyond the
// image bounds is a protocol error, never clamped.
//
// Returns once the target confirms completion via DONE_RESPONSE. A pending
// done status loops back into image transfer, as the target may pull
// further images.
func (e *Engine) LoadImage(img []byte) error {
	for {
		switch e.st {
		case stateAwaitHello, stateImageTx:
			p, err := e.read()
			if err != nil {
				return e.fail(err)
			}
			if err := e.serveImagePacket(p, img); err != nil {
				return err
			}
		case stateComplete:
			return nil
		default:
			return protoErr("image", "cannot transfer images in state %v", e.st)
		}
	}
}

func (e *Engine) serveImagePacket(p *packet, img []byte) error {
	switch p.cmd {
	case CmdHello:
		if err := e.handleHello(p, ModeImageTxPending); err != nil {
			return e.fail(err)
		}
		e.st = stateImageTx

	case CmdReadData, CmdReadData64:
		req, err := parseReadRequest(p)
		if err != nil {
			return e.fail(err)
		}
		end := req.Offset + req.Length
		if end < req.Offset || end > uint64(len(img)) {
			return e.fail(protoErr("image",
				"target requested out-of-bounds range [%#x, %#x) of image %d (image is %d bytes)",
				req.Offset, end, req.ImageID, len(img)))
		}
		e.log.Debugf("sahara: serving image %d range [%#x, %#x)", req.ImageID, req.Offset, end)
		if _, err := e.rw.Write(img[req.Offset:end]); err != nil {
			return e.fail(fmt.Errorf("writing image data: %w", err))
		}
		e.st = stateImageTx

	case CmdEndOfImageTransfer:
		eoi, err := parseEndOfImage(p)
		if err != nil {
			return e.fail(err)
		}
		if eoi.Status != 0 {
			return e.fail(&StatusError{Code: eoi.Status})
		}
		if err := e.write(CmdDone, nil); err != nil {
			return e.fail(err)
		}

	case CmdDoneResponse:
		if len(p.payload) != 4 {
			return e.fail(protoErr("image", "DONE_RESPONSE payload is %d bytes, want 4", len(p.payload)))
		}
		status := Mode(binary.LittleEndian.Uint32(p.payload))
		if status == ModeImageTxPending {
			// More images wanted; the target re-hellos.
			e.st = stateAwaitHello
			return nil
		}
		e.st = stateComplete

	default:
		return e.fail(protoErr("image", "unexpected %v in state %v", p.cmd, e.st))
	}
	return nil
}

// Reset asks the target to reboot. Valid from any live state (qramdump ends
// its session this way).
func (e *Engine) Reset() error {
	if err := e.write(CmdReset, nil); err != nil {
		return e.fail(err)
	}
	p, err := e.read()
	if err != nil {
		return e.fail(err)
	}
	if p.cmd != CmdResetResponse {
		return e.fail(protoErr("reset", "unexpected %v, want RESET_RESPONSE", p.cmd))
	}
	e.st = stateComplete
	return nil
}
