package sahara

import (
	"encoding/binary"
	"fmt"
	"io"
)

const headerSize = 8

// Sanity ceiling for the length field. Sahara control packets are tiny; a
// larger value means we lost framing.
const maxPacketLength = 4 * 1024

// packet is a decoded Sahara packet: the command id and the payload that
// followed the 8-byte header.
type packet struct {
	cmd     Command
	payload []byte
}

func readPacket(r io.Reader) (*packet, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading packet header: %w", err)
	}
	cmd := Command(binary.LittleEndian.Uint32(hdr[0:4]))
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length < headerSize || length > maxPacketLength {
		return nil, protoErr("read", "packet %v declares bogus length %d", cmd, length)
	}

	payload := make([]byte, length-headerSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading %v payload: %w", cmd, err)
	}
	return &packet{cmd: cmd, payload: payload}, nil
}

func writePacket(w io.Writer, cmd Command, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	copy(buf[headerSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing %v: %w", cmd, err)
	}
	return nil
}

func u32Payload(vals ...uint32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

// hello carries the fields of a HELLO packet we care about.
type hello struct {
	Version           uint32
	VersionCompatible uint32
	MaxCmdLength      uint32
	Mode              Mode
}

func parseHello(p *packet) (*hello, error) {
	if len(p.payload) < 16 {
		return nil, protoErr("hello", "truncated HELLO payload (%d bytes)", len(p.payload))
	}
	return &hello{
		Version:           binary.LittleEndian.Uint32(p.payload[0:4]),
		VersionCompatible: binary.LittleEndian.Uint32(p.payload[4:8]),
		MaxCmdLength:      binary.LittleEndian.Uint32(p.payload[8:12]),
		Mode:              Mode(binary.LittleEndian.Uint32(p.payload[12:16])),
	}, nil
}

// helloResponsePayload builds the 40-byte HELLO_RESPONSE payload: version,
// compatible version, status (always OK), mode, six reserved words.
func helloResponsePayload(mode Mode) []byte {
	return u32Payload(protoVersion, protoVersionCompatible, 0, uint32(mode),
		0, 0, 0, 0, 0, 0)
}

// readRequest is a READ_DATA or READ_DATA64 request for a slice of the
// image being transferred.
type readRequest struct {
	ImageID uint64
	Offset  uint64
	Length  uint64
}

func parseReadRequest(p *packet) (*readRequest, error) {
	switch p.cmd {
	case CmdReadData:
		if len(p.payload) != 12 {
			return nil, protoErr("read-data", "READ_DATA payload is %d bytes, want 12", len(p.payload))
		}
		return &readRequest{
			ImageID: uint64(binary.LittleEndian.Uint32(p.payload[0:4])),
			Offset:  uint64(binary.LittleEndian.Uint32(p.payload[4:8])),
			Length:  uint64(binary.LittleEndian.Uint32(p.payload[8:12])),
		}, nil
	case CmdReadData64:
		if len(p.payload) != 24 {
			return nil, protoErr("read-data", "READ_DATA64 payload is %d bytes, want 24", len(p.payload))
		}
		return &readRequest{
			ImageID: binary.LittleEndian.Uint64(p.payload[0:8]),
			Offset:  binary.LittleEndian.Uint64(p.payload[8:16]),
			Length:  binary.LittleEndian.Uint64(p.payload[16:24]),
		}, nil
	}
	return nil, protoErr("read-data", "packet %v is not a read request", p.cmd)
}

// endOfImage is the target's END_OF_IMAGE_TRANSFER report.
type endOfImage struct {
	ImageID uint32
	Status  uint32
}

func parseEndOfImage(p *packet) (*endOfImage, error) {
	if len(p.payload) != 8 {
		return nil, protoErr("end-of-image", "payload is %d bytes, want 8", len(p.payload))
	}
	return &endOfImage{
		ImageID: binary.LittleEndian.Uint32(p.payload[0:4]),
		Status:  binary.LittleEndian.Uint32(p.payload[4:8]),
	}, nil
}

// memoryTableRef locates the target's memory region table in a
// MEMORY_DEBUG or MEMORY_DEBUG64 announcement.
type memoryTableRef struct {
	Addr   uint64
	Length uint64
	Wide   bool
}

func parseMemoryDebug(p *packet) (*memoryTableRef, error) {
	switch p.cmd {
	case CmdMemoryDebug:
		if len(p.payload) != 8 {
			return nil, protoErr("memory-debug", "payload is %d bytes, want 8", len(p.payload))
		}
		return &memoryTableRef{
			Addr:   uint64(binary.LittleEndian.Uint32(p.payload[0:4])),
			Length: uint64(binary.LittleEndian.Uint32(p.payload[4:8])),
		}, nil
	case CmdMemoryDebug64:
		if len(p.payload) != 16 {
			return nil, protoErr("memory-debug", "64-bit payload is %d bytes, want 16", len(p.payload))
		}
		return &memoryTableRef{
			Addr:   binary.LittleEndian.Uint64(p.payload[0:8]),
			Length: binary.LittleEndian.Uint64(p.payload[8:16]),
			Wide:   true,
		}, nil
	}
	return nil, protoErr("memory-debug", "packet %v is not a memory debug announcement", p.cmd)
}

func memoryReadPayload(addr, length uint64, wide bool) (Command, []byte) {
	if wide {
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf[0:8], addr)
		binary.LittleEndian.PutUint64(buf[8:16], length)
		return CmdMemoryRead64, buf
	}
	return CmdMemoryRead, u32Payload(uint32(addr), uint32(length))
}

// execResponse is the target's COMMAND_EXECUTE_RESPONSE: it echoes the
// command and announces how many raw bytes the data phase will carry.
type execResponse struct {
	Command    ExecCommand
	DataLength uint32
}

func parseExecResponse(p *packet) (*execResponse, error) {
	if len(p.payload) != 8 {
		return nil, protoErr("execute", "COMMAND_EXECUTE_RESPONSE payload is %d bytes, want 8", len(p.payload))
	}
	return &execResponse{
		Command:    ExecCommand(binary.LittleEndian.Uint32(p.payload[0:4])),
		DataLength: binary.LittleEndian.Uint32(p.payload[4:8]),
	}, nil
}
