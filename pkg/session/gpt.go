package session

import (
	"bytes"
	"fmt"
	"io"

	"github.com/qdl-tools/qdl-go/pkg/gpt"
)

// ReadGPT reads and parses the partition table of one physical partition.
// The header at LBA 1 is probed first to learn how many sectors the table
// occupies. Checksum failures still return the decoded table alongside the
// error, like gpt.Parse.
func (s *Session) ReadGPT(physPartIdx uint8) (*gpt.Table, error) {
	cfg := s.fh.Config()

	var probe bytes.Buffer
	if err := s.fh.ReadStorage(&probe, 1, cfg.StorageSlot, physPartIdx, 1, nil); err != nil {
		return nil, fmt.Errorf("session: reading GPT header: %w", err)
	}
	hdr, err := gpt.ParseHeader(probe.Bytes())
	if hdr == nil {
		return nil, fmt.Errorf("session: physical partition %d: %w", physPartIdx, err)
	}

	// Everything below the first usable LBA is the protective MBR, the
	// header, and the entry array.
	var raw bytes.Buffer
	if err := s.fh.ReadStorage(&raw, int64(hdr.FirstUsableLBA), cfg.StorageSlot, physPartIdx, 0, nil); err != nil {
		return nil, fmt.Errorf("session: reading GPT: %w", err)
	}
	return gpt.Parse(raw.Bytes(), cfg.SectorSize)
}

// FindPartition resolves a partition by name. A table that fails its
// checksums is rejected: acting on a damaged table is how partitions get
// overwritten by accident.
func (s *Session) FindPartition(name string, physPartIdx uint8) (*gpt.Entry, error) {
	tbl, err := s.ReadGPT(physPartIdx)
	if tbl == nil {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("session: refusing to use a damaged partition table: %w", err)
	}
	return tbl.Resolve(name)
}

// PrintGPT renders the partition table to w. Checksum failures are
// downgraded to a warning here; a listing of a damaged table is still
// useful for diagnosis.
func (s *Session) PrintGPT(w io.Writer, physPartIdx uint8) error {
	tbl, err := s.ReadGPT(physPartIdx)
	if tbl == nil {
		return err
	}
	if err != nil {
		s.log.Warnf("Partition table of physical partition %d is damaged: %v", physPartIdx, err)
	}
	fmt.Fprintf(w, "Physical partition %d:\n", physPartIdx)
	return tbl.Render(w)
}
