package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/qdl-tools/qdl-go/pkg/programfile"
)

// Flash processes rawprogram/patch descriptor files in the order given:
// per file, all program entries, then all on-storage patch entries, then
// the read and digest entries. If any program entry carried a bootable
// label, its physical partition is marked bootable at the end. The first
// failure aborts the whole run; a half-applied descriptor is bad, but
// continuing past a failed write is worse.
func (s *Session) Flash(paths []string) error {
	cfg := s.fh.Config()
	files := make([]*programfile.File, 0, len(paths))
	for _, p := range paths {
		pf, err := programfile.Load(p)
		if err != nil {
			return err
		}
		files = append(files, pf)
	}

	bootable := -1
	for _, pf := range files {
		dir := filepath.Dir(pf.Path)

		for i := range pf.Programs {
			op := &pf.Programs[i]
			if op.SectorSize != cfg.SectorSize {
				return fmt.Errorf("session: %s: entry %q uses sector size %d, session uses %d",
					pf.Path, op.Label, op.SectorSize, cfg.SectorSize)
			}
			if op.Filename == "" {
				s.log.Debugf("Skipping %q: no file to write", op.Label)
				continue
			}
			if op.NumSectors == 0 {
				s.log.Debugf("Skipping %q: zero sectors", op.Label)
				continue
			}
			src := filepath.Join(dir, op.Filename)
			if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
				s.log.Warnf("Skipping %q: %s not present", op.Label, src)
				continue
			}
			if err := s.flashProgram(src, op); err != nil {
				return fmt.Errorf("session: %s: program %q: %w", pf.Path, op.Label, err)
			}
			if op.MarksBootable() {
				bootable = int(op.PhysPartition)
			}
		}

		for i := range pf.Patches {
			op := &pf.Patches[i]
			if !op.OnDisk() {
				continue
			}
			if op.SectorSize != cfg.SectorSize {
				return fmt.Errorf("session: %s: patch %d uses sector size %d, session uses %d",
					pf.Path, i, op.SectorSize, cfg.SectorSize)
			}
			if err := s.fh.Patch(op.ByteOffset, op.PhysPartition, op.SizeInBytes,
				op.StartSector, op.Value, op.Filename); err != nil {
				return fmt.Errorf("session: %s: patch %d: %w", pf.Path, i, err)
			}
		}

		for i := range pf.Reads {
			op := &pf.Reads[i]
			if err := s.flashRead(dir, op); err != nil {
				return fmt.Errorf("session: %s: read %q: %w", pf.Path, op.Label, err)
			}
		}
	}

	if bootable >= 0 {
		return s.SetBootable(uint8(bootable))
	}
	return nil
}

func (s *Session) flashProgram(src string, op *programfile.ProgramOp) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if op.FileSectorOffset > 0 {
		if _, err := f.Seek(op.FileSectorOffset*int64(op.SectorSize), 0); err != nil {
			return err
		}
	}
	return s.program(f, op.Label, op.NumSectors, op.PhysPartition, op.StartSector)
}

func (s *Session) flashRead(dir string, op *programfile.ReadOp) error {
	if op.ChecksumOnly {
		logs, err := s.fh.GetStorageDigest(op.NumSectors, op.PhysPartition, op.StartSector)
		if err != nil {
			return err
		}
		if digest, ok := findHexDigest(logs); ok {
			s.log.Infof("Digest of %q: %s", op.Label, digest)
		}
		return nil
	}
	if op.Filename == "" {
		return nil
	}
	out := filepath.Join(dir, op.Filename)
	return s.dumpRange(op.Label, op.NumSectors, op.PhysPartition, op.StartSector, out)
}
