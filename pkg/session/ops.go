package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/qdl-tools/qdl-go/pkg/firehose"
)

// DumpPartition reads a named partition into outPath.
func (s *Session) DumpPartition(name string, physPartIdx uint8, outPath string) error {
	entry, err := s.FindPartition(name, physPartIdx)
	if err != nil {
		return err
	}
	return s.dumpRange(name, int64(entry.NumSectors()), physPartIdx, entry.FirstLBA, outPath)
}

// DumpAll reads every in-use partition of a physical partition into outDir,
// one file per partition named after its label.
func (s *Session) DumpAll(physPartIdx uint8, outDir string) error {
	tbl, err := s.ReadGPT(physPartIdx)
	if tbl == nil {
		return err
	}
	if err != nil {
		s.log.Warnf("Partition table is damaged, dumping what it describes anyway: %v", err)
	}
	for i := range tbl.Entries {
		e := &tbl.Entries[i]
		if !e.InUse() || e.Name == "" || e.NumSectors() == 0 {
			continue
		}
		out := filepath.Join(outDir, e.Name+".bin")
		if err := s.dumpRange(e.Name, int64(e.NumSectors()), physPartIdx, e.FirstLBA, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) dumpRange(label string, numSectors int64, physPartIdx uint8, startSector uint64, outPath string) error {
	cfg := s.fh.Config()
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	total := numSectors * int64(cfg.SectorSize)
	s.log.Infof("Dumping %s (%d sectors) to %s", label, numSectors, outPath)
	rerr := s.fh.ReadStorage(f, numSectors, cfg.StorageSlot, physPartIdx, startSector,
		s.progress("dump "+label, total))
	if cerr := f.Close(); rerr == nil {
		rerr = cerr
	}
	return rerr
}

// WritePartition flashes srcPath into the named partition. The image may be
// shorter than the partition (only the covered sectors are written) but
// never longer.
func (s *Session) WritePartition(name string, physPartIdx uint8, srcPath string) error {
	entry, err := s.FindPartition(name, physPartIdx)
	if err != nil {
		return err
	}
	cfg := s.fh.Config()

	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	need := ceilDiv(st.Size(), int64(cfg.SectorSize))
	if uint64(need) > entry.NumSectors() {
		return fmt.Errorf("session: %s is %d bytes (%d sectors), partition %s holds only %d sectors",
			srcPath, st.Size(), need, name, entry.NumSectors())
	}

	s.log.Infof("Writing %s to %s (%d sectors at LBA %d)", srcPath, name, need, entry.FirstLBA)
	return s.program(f, name, need, physPartIdx, strconv.FormatUint(entry.FirstLBA, 10))
}

// OverwriteStorage writes a raw image starting at sector 0 of a physical
// partition, partition table and all.
func (s *Session) OverwriteStorage(physPartIdx uint8, srcPath string) error {
	cfg := s.fh.Config()
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	need := ceilDiv(st.Size(), int64(cfg.SectorSize))
	s.log.Infof("Overwriting physical partition %d with %s (%d sectors)", physPartIdx, srcPath, need)
	return s.program(f, "storage", need, physPartIdx, "0")
}

// Erase wipes a named partition. The name is resolved before anything is
// sent, so a typo fails before it can destroy data.
func (s *Session) Erase(name string, physPartIdx uint8) error {
	entry, err := s.FindPartition(name, physPartIdx)
	if err != nil {
		return err
	}
	s.log.Infof("Erasing %s (%d sectors at LBA %d)", name, entry.NumSectors(), entry.FirstLBA)
	return s.fh.Erase(int64(entry.NumSectors()), physPartIdx, entry.FirstLBA)
}

// Peek reads target memory and returns the device's rendering of it.
func (s *Session) Peek(base, length uint64) ([]string, error) {
	return s.fh.Peek(base, length)
}

// Nop pings the programmer.
func (s *Session) Nop() error {
	return s.fh.Nop()
}

// SetBootable marks a physical partition as the boot drive.
func (s *Session) SetBootable(physPartIdx uint8) error {
	s.log.Infof("Marking physical partition %d bootable", physPartIdx)
	return s.fh.SetBootable(physPartIdx)
}

// Reset issues a standalone power command without ending the session
// bookkeeping-wise; Shutdown is the usual way out.
func (s *Session) Reset(mode firehose.ResetMode) error {
	return s.fh.Power(mode, 1)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
