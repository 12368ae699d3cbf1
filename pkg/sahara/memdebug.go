package sahara

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// A crashed target announces a table of dumpable memory regions instead of
// requesting an image. Region describes one table entry.
type Region struct {
	Base     uint64
	Length   uint64
	Desc     string
	Filename string
}

// RegionSink produces one writable file per dumped region.
type RegionSink interface {
	Create(filename string) (io.WriteCloser, error)
}

// Memory reads are served as raw bytes with no packet framing, so keep each
// request comfortably within what bootrom-side buffers tolerate.
const memReadChunk = 64 * 1024

// Sanity ceiling for the announced region table. Entries are at most 64
// bytes each; a table longer than this means the announcement is garbage,
// and its length field sizes an allocation.
const maxRegionTableLength = 64 * 1024

const (
	regionEntrySize32 = 52 // save_pref, base, length (u32 each) + 2x 20-byte names
	regionEntrySize64 = 64 // same with u64 fields
)

func parseRegionTable(raw []byte, wide bool) ([]Region, error) {
	entrySize := regionEntrySize32
	if wide {
		entrySize = regionEntrySize64
	}
	if len(raw)%entrySize != 0 {
		return nil, protoErr("memory-debug", "region table length %d is not a multiple of %d", len(raw), entrySize)
	}

	var regions []Region
	for off := 0; off < len(raw); off += entrySize {
		ent := raw[off : off+entrySize]
		var r Region
		var names []byte
		if wide {
			r.Base = binary.LittleEndian.Uint64(ent[8:16])
			r.Length = binary.LittleEndian.Uint64(ent[16:24])
			names = ent[24:]
		} else {
			r.Base = uint64(binary.LittleEndian.Uint32(ent[4:8]))
			r.Length = uint64(binary.LittleEndian.Uint32(ent[8:12]))
			names = ent[12:]
		}
		r.Desc = cString(names[:20])
		r.Filename = cString(names[20:40])
		regions = append(regions, r)
	}
	return regions, nil
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// DumpMemory runs the memory-debug flow: waits for the crashed target's
// hello, fetches its region table, and writes each selected region to the
// sink. An empty filter dumps every region; otherwise only regions whose
// filename (or description) matches a filter entry are written.
//
// The caller should follow up with Reset to release the target.
func (e *Engine) DumpMemory(filters []string, sink RegionSink) error {
	table, err := e.awaitRegionTable()
	if err != nil {
		return err
	}

	for _, r := range table.regions {
		if r.Length == 0 || r.Filename == "" {
			continue
		}
		if !regionWanted(r, filters) {
			continue
		}
		e.log.Infof("sahara: dumping %s (%q, %d bytes at %#x)", r.Filename, r.Desc, r.Length, r.Base)

		out, err := sink.Create(r.Filename)
		if err != nil {
			return fmt.Errorf("creating dump file for %s: %w", r.Filename, err)
		}
		err = e.readMemoryTo(out, r.Base, r.Length, table.wide)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type regionTable struct {
	regions []Region
	wide    bool
}

func (e *Engine) awaitRegionTable() (*regionTable, error) {
	for {
		p, err := e.read()
		if err != nil {
			return nil, e.fail(err)
		}
		switch p.cmd {
		case CmdHello:
			if e.st != stateAwaitHello {
				return nil, e.fail(protoErr("memory-debug", "unexpected HELLO in state %v", e.st))
			}
			if err := e.handleHello(p, ModeMemoryDebug); err != nil {
				return nil, e.fail(err)
			}
		case CmdMemoryDebug, CmdMemoryDebug64:
			ref, err := parseMemoryDebug(p)
			if err != nil {
				return nil, e.fail(err)
			}
			if ref.Length == 0 || ref.Length > maxRegionTableLength {
				return nil, e.fail(protoErr("memory-debug", "implausible region table length %d", ref.Length))
			}
			e.log.Debugf("sahara: region table at %#x (%d bytes)", ref.Addr, ref.Length)
			raw := make([]byte, ref.Length)
			if err := e.readMemory(raw, ref.Addr, ref.Wide); err != nil {
				return nil, err
			}
			regions, err := parseRegionTable(raw, ref.Wide)
			if err != nil {
				return nil, e.fail(err)
			}
			return &regionTable{regions: regions, wide: ref.Wide}, nil
		default:
			return nil, e.fail(protoErr("memory-debug", "unexpected %v while waiting for region table", p.cmd))
		}
	}
}

func regionWanted(r Region, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == r.Filename || f == r.Desc {
			return true
		}
	}
	return false
}

// readMemory fills buf from target memory at addr, chunked.
func (e *Engine) readMemory(buf []byte, addr uint64, wide bool) error {
	for off := 0; off < len(buf); off += memReadChunk {
		end := off + memReadChunk
		if end > len(buf) {
			end = len(buf)
		}
		cmd, payload := memoryReadPayload(addr+uint64(off), uint64(end-off), wide)
		if err := e.write(cmd, payload); err != nil {
			return e.fail(err)
		}
		if _, err := io.ReadFull(e.rw, buf[off:end]); err != nil {
			return e.fail(fmt.Errorf("reading memory at %#x: %w", addr+uint64(off), err))
		}
	}
	return nil
}

// readMemoryTo streams length bytes of target memory at addr into w.
func (e *Engine) readMemoryTo(w io.Writer, addr, length uint64, wide bool) error {
	buf := make([]byte, memReadChunk)
	for off := uint64(0); off < length; off += memReadChunk {
		n := uint64(memReadChunk)
		if off+n > length {
			n = length - off
		}
		if err := e.readMemory(buf[:n], addr+off, wide); err != nil {
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("writing dump data: %w", err)
		}
	}
	return nil
}
