// Package programfile loads the rawprogram/patch XML descriptors that tell
// the flasher what to write where.
package programfile

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
)

// BootablePartitions are the labels whose presence in a program descriptor
// means the target partition should be marked bootable after flashing.
var BootablePartitions = []string{"xbl", "xbl_a", "sbl1"}

// ProgramOp writes the content of a file to a sector range.
type ProgramOp struct {
	SectorSize       int
	NumSectors       int64
	PhysPartition    uint8
	StartSector      string // may be an expression like "NUM_DISK_SECTORS-5."
	FileSectorOffset int64
	Label            string
	Filename         string
}

// MarksBootable reports whether flashing this entry should also mark its
// physical partition bootable.
func (p *ProgramOp) MarksBootable() bool {
	for _, l := range BootablePartitions {
		if p.Label == l {
			return true
		}
	}
	return false
}

// PatchOp edits bytes in place on storage. Only entries targeting "DISK"
// are sent to the device; filename-targeted patches were applied when the
// image files were built.
type PatchOp struct {
	SectorSize    int
	ByteOffset    int64
	PhysPartition uint8
	SizeInBytes   int64
	StartSector   string
	Value         string
	Filename      string
}

// OnDisk reports whether the patch applies to the live storage.
func (p *PatchOp) OnDisk() bool {
	return p.Filename == "DISK"
}

// ReadOp reads a sector range back, either into a file or only through the
// device-side digest command.
type ReadOp struct {
	SectorSize    int
	NumSectors    int64
	PhysPartition uint8
	StartSector   uint64
	Label         string
	Filename      string
	ChecksumOnly  bool
}

// File is one parsed descriptor. Slice order follows document order.
type File struct {
	Path     string
	Programs []ProgramOp
	Patches  []PatchOp
	Reads    []ReadOp
}

// Load parses a rawprogram or patch descriptor. Any element other than the
// known operation kinds is an error: a descriptor that is not fully
// understood must not be partially applied to a device.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("programfile: %w", err)
	}
	defer f.Close()
	pf, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("programfile: %s: %w", path, err)
	}
	pf.Path = path
	return pf, nil
}

func parse(r io.Reader) (*File, error) {
	pf := &File{}
	dec := xml.NewDecoder(r)
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				if t.Name.Local != "data" {
					return nil, fmt.Errorf("root element is <%s>, want <data>", t.Name.Local)
				}
				continue
			}
			a := attrs(t)
			switch t.Name.Local {
			case "program":
				op, err := parseProgram(a)
				if err != nil {
					return nil, fmt.Errorf("<program>: %w", err)
				}
				pf.Programs = append(pf.Programs, op)
			case "patch":
				op, err := parsePatch(a)
				if err != nil {
					return nil, fmt.Errorf("<patch>: %w", err)
				}
				pf.Patches = append(pf.Patches, op)
			case "read", "getsha256digest":
				op, err := parseRead(a)
				if err != nil {
					return nil, fmt.Errorf("<%s>: %w", t.Name.Local, err)
				}
				op.ChecksumOnly = t.Name.Local == "getsha256digest"
				pf.Reads = append(pf.Reads, op)
			default:
				return nil, fmt.Errorf("unknown element <%s>, refusing to apply a descriptor that is not fully understood", t.Name.Local)
			}
		case xml.EndElement:
			depth--
		}
	}
	return pf, nil
}

type attrMap map[string]string

func attrs(e xml.StartElement) attrMap {
	m := make(attrMap, len(e.Attr))
	for _, a := range e.Attr {
		m[a.Name.Local] = a.Value
	}
	return m
}

func (m attrMap) str(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %s", key)
	}
	return v, nil
}

func (m attrMap) int64(key string) (int64, error) {
	v, err := m.str(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s=%q is not a number", key, v)
	}
	return n, nil
}

func (m attrMap) int64opt(key string, def int64) (int64, error) {
	if _, ok := m[key]; !ok {
		return def, nil
	}
	return m.int64(key)
}

func (m attrMap) uint8(key string) (uint8, error) {
	n, err := m.int64(key)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("attribute %s=%d out of range", key, n)
	}
	return uint8(n), nil
}

func parseProgram(a attrMap) (ProgramOp, error) {
	var op ProgramOp
	ss, err := a.int64("SECTOR_SIZE_IN_BYTES")
	if err != nil {
		return op, err
	}
	op.SectorSize = int(ss)
	if op.NumSectors, err = a.int64("num_partition_sectors"); err != nil {
		return op, err
	}
	if op.PhysPartition, err = a.uint8("physical_partition_number"); err != nil {
		return op, err
	}
	if op.StartSector, err = a.str("start_sector"); err != nil {
		return op, err
	}
	if op.FileSectorOffset, err = a.int64opt("file_sector_offset", 0); err != nil {
		return op, err
	}
	op.Label = a["label"]
	op.Filename = a["filename"]
	return op, nil
}

func parsePatch(a attrMap) (PatchOp, error) {
	var op PatchOp
	ss, err := a.int64("SECTOR_SIZE_IN_BYTES")
	if err != nil {
		return op, err
	}
	op.SectorSize = int(ss)
	if op.ByteOffset, err = a.int64("byte_offset"); err != nil {
		return op, err
	}
	if op.PhysPartition, err = a.uint8("physical_partition_number"); err != nil {
		return op, err
	}
	if op.SizeInBytes, err = a.int64("size_in_bytes"); err != nil {
		return op, err
	}
	if op.StartSector, err = a.str("start_sector"); err != nil {
		return op, err
	}
	if op.Value, err = a.str("value"); err != nil {
		return op, err
	}
	if op.Filename, err = a.str("filename"); err != nil {
		return op, err
	}
	return op, nil
}

func parseRead(a attrMap) (ReadOp, error) {
	var op ReadOp
	ss, err := a.int64("SECTOR_SIZE_IN_BYTES")
	if err != nil {
		return op, err
	}
	op.SectorSize = int(ss)
	if op.NumSectors, err = a.int64("num_partition_sectors"); err != nil {
		return op, err
	}
	if op.PhysPartition, err = a.uint8("physical_partition_number"); err != nil {
		return op, err
	}
	start, err := a.str("start_sector")
	if err != nil {
		return op, err
	}
	if op.StartSector, err = strconv.ParseUint(start, 10, 64); err != nil {
		return op, fmt.Errorf("start_sector %q must be numeric for reads", start)
	}
	op.Label = a["label"]
	op.Filename = a["filename"]
	return op, nil
}
