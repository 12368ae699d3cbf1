package sahara

import "fmt"

// Command identifies a Sahara packet type. Packets are little-endian, with
// an 8-byte header of command id and total packet length.
type Command uint32

const (
	CmdHello                  Command = 0x01
	CmdHelloResponse          Command = 0x02
	CmdReadData               Command = 0x03
	CmdEndOfImageTransfer     Command = 0x04
	CmdDone                   Command = 0x05
	CmdDoneResponse           Command = 0x06
	CmdReset                  Command = 0x07
	CmdResetResponse          Command = 0x08
	CmdMemoryDebug            Command = 0x09
	CmdMemoryRead             Command = 0x0a
	CmdCommandReady           Command = 0x0b
	CmdCommandSwitchMode      Command = 0x0c
	CmdCommandExecute         Command = 0x0d
	CmdCommandExecuteResponse Command = 0x0e
	CmdCommandExecuteData     Command = 0x0f
	CmdMemoryDebug64          Command = 0x10
	CmdMemoryRead64           Command = 0x11
	CmdReadData64             Command = 0x12
)

func (c Command) String() string {
	switch c {
	case CmdHello:
		return "HELLO"
	case CmdHelloResponse:
		return "HELLO_RESPONSE"
	case CmdReadData:
		return "READ_DATA"
	case CmdEndOfImageTransfer:
		return "END_OF_IMAGE_TRANSFER"
	case CmdDone:
		return "DONE"
	case CmdDoneResponse:
		return "DONE_RESPONSE"
	case CmdReset:
		return "RESET"
	case CmdResetResponse:
		return "RESET_RESPONSE"
	case CmdMemoryDebug:
		return "MEMORY_DEBUG"
	case CmdMemoryRead:
		return "MEMORY_READ"
	case CmdCommandReady:
		return "COMMAND_READY"
	case CmdCommandSwitchMode:
		return "COMMAND_SWITCH_MODE"
	case CmdCommandExecute:
		return "COMMAND_EXECUTE"
	case CmdCommandExecuteResponse:
		return "COMMAND_EXECUTE_RESPONSE"
	case CmdCommandExecuteData:
		return "COMMAND_EXECUTE_DATA"
	case CmdMemoryDebug64:
		return "MEMORY_DEBUG64"
	case CmdMemoryRead64:
		return "MEMORY_READ64"
	case CmdReadData64:
		return "READ_DATA64"
	}
	return fmt.Sprintf("Command(0x%02x)", uint32(c))
}

// Mode is the target's Sahara operating mode, negotiated in the hello
// exchange.
type Mode uint32

const (
	ModeImageTxPending  Mode = 0
	ModeImageTxComplete Mode = 1
	ModeMemoryDebug     Mode = 2
	ModeCommand         Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeImageTxPending:
		return "image-transfer-pending"
	case ModeImageTxComplete:
		return "image-transfer-complete"
	case ModeMemoryDebug:
		return "memory-debug"
	case ModeCommand:
		return "command"
	}
	return fmt.Sprintf("Mode(%d)", uint32(m))
}

// ExecCommand is a command-mode request id, executed before image transfer
// to query target identity.
type ExecCommand uint32

const (
	ExecReadSerialNum ExecCommand = 0x01
	ExecReadMsmHwID   ExecCommand = 0x02
	ExecReadOemPkHash ExecCommand = 0x03
	ExecReadDebugData ExecCommand = 0x05
	ExecGetSblVersion ExecCommand = 0x07
)

// Protocol versions advertised in the hello response.
const (
	protoVersion           = 2
	protoVersionCompatible = 1
)

// statusName maps the well-known target status codes reported in
// END_OF_IMAGE_TRANSFER packets.
func statusName(code uint32) string {
	switch code {
	case 0x00:
		return "success"
	case 0x01:
		return "invalid command"
	case 0x02:
		return "protocol mismatch"
	case 0x03:
		return "invalid target protocol"
	case 0x04:
		return "invalid host protocol"
	case 0x05:
		return "invalid packet size"
	case 0x06:
		return "unexpected image id"
	case 0x07:
		return "invalid header size"
	case 0x08:
		return "invalid data size"
	case 0x09:
		return "invalid image type"
	case 0x0d:
		return "receive error"
	case 0x0e:
		return "transmit error"
	case 0x12:
		return "unsupported command"
	case 0x16:
		return "image authentication failure"
	case 0x19:
		return "hash table verification failure"
	}
	return fmt.Sprintf("status 0x%02x", code)
}
