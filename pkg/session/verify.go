package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/qdl-tools/qdl-go/pkg/xfer"
)

// program writes numSectors sectors from f's current position and runs the
// enabled verification passes afterwards. Verification needs to re-address
// the written range, so it is skipped with a warning when the start sector
// is a device-side expression rather than a number.
func (s *Session) program(f *os.File, label string, numSectors int64, physPartIdx uint8, startSector string) error {
	cfg := s.fh.Config()
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	total := numSectors * int64(cfg.SectorSize)

	if err := s.fh.Program(f, label, numSectors, cfg.StorageSlot, physPartIdx, startSector,
		s.progress("write "+label, total)); err != nil {
		return err
	}

	if !s.opts.HashPackets && !s.opts.ReadBackVerify {
		return nil
	}
	start, err := strconv.ParseUint(startSector, 10, 64)
	if err != nil {
		s.log.Warnf("Cannot verify %s: start sector %q is an expression only the device can evaluate", label, startSector)
		return nil
	}
	if s.opts.HashPackets {
		if err := s.verifyDigest(f, pos, label, numSectors, physPartIdx, start); err != nil {
			return err
		}
	}
	if s.opts.ReadBackVerify {
		if err := s.readBack(f, pos, label, numSectors, physPartIdx, start); err != nil {
			return err
		}
	}
	return nil
}

// verifyDigest compares a device-computed SHA-256 of the written range
// against the local source. One mismatch triggers a single retry, as the
// device-side digest can race storage flushes; a second mismatch is fatal.
func (s *Session) verifyDigest(f *os.File, pos int64, label string, numSectors int64, physPartIdx uint8, start uint64) error {
	cfg := s.fh.Config()
	total := numSectors * int64(cfg.SectorSize)
	want, err := localDigest(f, pos, total)
	if err != nil {
		return fmt.Errorf("session: hashing %s: %w", label, err)
	}

	for attempt := 1; ; attempt++ {
		logs, err := s.fh.GetStorageDigest(numSectors, physPartIdx, start)
		if err != nil {
			return err
		}
		got, ok := findHexDigest(logs)
		if !ok {
			return fmt.Errorf("session: device reported no digest for %s", label)
		}
		if strings.EqualFold(got, want) {
			s.log.Infof("Digest of %s verified", label)
			return nil
		}
		if attempt >= 2 {
			return fmt.Errorf("session: digest mismatch for %s: device %s, local %s", label, got, want)
		}
		s.log.Warnf("Digest mismatch for %s, retrying once", label)
	}
}

// readBack re-reads the written range and compares it chunk by chunk
// against the source file, zero padding included.
func (s *Session) readBack(f *os.File, pos int64, label string, numSectors int64, physPartIdx uint8, start uint64) error {
	cfg := s.fh.Config()
	total := numSectors * int64(cfg.SectorSize)
	plan, err := xfer.Plan(total, int64(cfg.MaxPayloadSize))
	if err != nil {
		return err
	}
	cw := xfer.NewCompareWriter(io.NewSectionReader(f, pos, total), plan)
	err = s.fh.ReadStorage(cw, numSectors, cfg.StorageSlot, physPartIdx, start,
		s.progress("verify "+label, total))
	var verr *xfer.VerifyError
	if errors.As(err, &verr) {
		return fmt.Errorf("session: read-back of %s differs from the source in the chunk at offset %d (%d bytes)",
			label, verr.Offset, verr.Length)
	}
	if err != nil {
		return err
	}
	s.log.Infof("Read-back of %s verified", label)
	return nil
}

// localDigest hashes total bytes of f starting at pos, padding with zeros
// past the end of the file, mirroring what went on the wire.
func localDigest(f *os.File, pos, total int64) (string, error) {
	h := sha256.New()
	n, err := io.Copy(h, io.NewSectionReader(f, pos, total))
	if err != nil {
		return "", err
	}
	var zeros [4096]byte
	for n < total {
		m := total - n
		if m > int64(len(zeros)) {
			m = int64(len(zeros))
		}
		h.Write(zeros[:m])
		n += m
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// findHexDigest picks the SHA-256 the programmer embeds in its log lines.
func findHexDigest(lines []string) (string, bool) {
	for _, line := range lines {
		for _, tok := range strings.FieldsFunc(line, func(r rune) bool {
			return !isHexRune(r)
		}) {
			if len(tok) == sha256.Size*2 {
				return strings.ToLower(tok), true
			}
		}
	}
	return "", false
}

func isHexRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		return true
	}
	return false
}
