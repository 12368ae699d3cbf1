// Package gpt parses GUID partition tables read off device storage.
package gpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

var (
	ErrBadSignature      = errors.New("gpt: header signature missing")
	ErrHeaderCRC         = errors.New("gpt: header checksum mismatch")
	ErrArrayCRC          = errors.New("gpt: partition entry array checksum mismatch")
	ErrPartitionNotFound = errors.New("gpt: partition not found")
)

var signature = []byte("EFI PART")

const headerFixedSize = 92

// Header is the GPT header found at LBA 1.
type Header struct {
	Revision       uint32
	HeaderSize     uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       uuid.UUID
	EntriesLBA     uint64
	NumEntries     uint32
	EntrySize      uint32

	arrayCRC uint32
}

// ParseHeader decodes and checks the header stored in one sector. The
// signature must match; a checksum failure still yields the decoded header
// alongside ErrHeaderCRC so callers can inspect a damaged table.
func ParseHeader(sector []byte) (*Header, error) {
	if len(sector) < headerFixedSize {
		return nil, fmt.Errorf("gpt: sector of %d bytes cannot hold a header", len(sector))
	}
	if !bytes.Equal(sector[0:8], signature) {
		return nil, ErrBadSignature
	}
	h := &Header{
		Revision:       binary.LittleEndian.Uint32(sector[8:12]),
		HeaderSize:     binary.LittleEndian.Uint32(sector[12:16]),
		CurrentLBA:     binary.LittleEndian.Uint64(sector[24:32]),
		BackupLBA:      binary.LittleEndian.Uint64(sector[32:40]),
		FirstUsableLBA: binary.LittleEndian.Uint64(sector[40:48]),
		LastUsableLBA:  binary.LittleEndian.Uint64(sector[48:56]),
		DiskGUID:       guidFromBytes(sector[56:72]),
		EntriesLBA:     binary.LittleEndian.Uint64(sector[72:80]),
		NumEntries:     binary.LittleEndian.Uint32(sector[80:84]),
		EntrySize:      binary.LittleEndian.Uint32(sector[84:88]),
		arrayCRC:       binary.LittleEndian.Uint32(sector[88:92]),
	}
	if h.HeaderSize < headerFixedSize || int(h.HeaderSize) > len(sector) {
		return nil, fmt.Errorf("gpt: implausible header size %d", h.HeaderSize)
	}
	stored := binary.LittleEndian.Uint32(sector[16:20])
	// The CRC field itself is zeroed for the computation.
	scratch := append([]byte(nil), sector[:h.HeaderSize]...)
	binary.LittleEndian.PutUint32(scratch[16:20], 0)
	if crc32.ChecksumIEEE(scratch) != stored {
		return h, ErrHeaderCRC
	}
	return h, nil
}

// Entry is one partition slot. Unused slots have a zero type GUID.
type Entry struct {
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       string
}

// InUse reports whether the slot describes an actual partition.
func (e *Entry) InUse() bool {
	return e.TypeGUID != uuid.Nil
}

// NumSectors is the partition length; LastLBA is inclusive.
func (e *Entry) NumSectors() uint64 {
	if e.LastLBA < e.FirstLBA {
		return 0
	}
	return e.LastLBA - e.FirstLBA + 1
}

// Table is a decoded partition table.
type Table struct {
	Header     *Header
	Entries    []Entry
	SectorSize int
}

// Parse decodes the table from the raw start of a drive (everything from
// LBA 0 up to at least the end of the entry array). Checksum failures are
// reported but still return the decoded table, so a damaged table can be
// printed; any other failure returns a nil table.
func Parse(raw []byte, sectorSize int) (*Table, error) {
	if sectorSize <= 0 {
		return nil, fmt.Errorf("gpt: invalid sector size %d", sectorSize)
	}
	if len(raw) < 2*sectorSize {
		return nil, fmt.Errorf("gpt: %d bytes is too short to hold LBA 1", len(raw))
	}
	hdr, hdrErr := ParseHeader(raw[sectorSize : 2*sectorSize])
	if hdr == nil {
		return nil, hdrErr
	}

	// Every geometry field here is device supplied and may pass the header
	// CRC even when corrupt; none of the products or sums below may wrap.
	arrayLen := uint64(hdr.NumEntries) * uint64(hdr.EntrySize)
	if hdr.EntrySize < 128 ||
		hdr.EntriesLBA > uint64(len(raw))/uint64(sectorSize) ||
		arrayLen > uint64(len(raw))-hdr.EntriesLBA*uint64(sectorSize) {
		return nil, fmt.Errorf("gpt: entry array (%d entries of %d bytes at LBA %d) lies outside the %d bytes read",
			hdr.NumEntries, hdr.EntrySize, hdr.EntriesLBA, len(raw))
	}
	arrayOff := hdr.EntriesLBA * uint64(sectorSize)
	array := raw[arrayOff : arrayOff+arrayLen]

	t := &Table{Header: hdr, SectorSize: sectorSize}
	t.Entries = make([]Entry, 0, hdr.NumEntries)
	for i := uint32(0); i < hdr.NumEntries; i++ {
		e, err := parseEntry(array[uint64(i)*uint64(hdr.EntrySize):][:hdr.EntrySize])
		if err != nil {
			return nil, fmt.Errorf("gpt: entry %d: %w", i, err)
		}
		t.Entries = append(t.Entries, e)
	}

	if hdrErr != nil {
		return t, hdrErr
	}
	if crc32.ChecksumIEEE(array) != hdr.arrayCRC {
		return t, ErrArrayCRC
	}
	return t, nil
}

func parseEntry(raw []byte) (Entry, error) {
	name, err := decodeName(raw[56:128])
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		TypeGUID:   guidFromBytes(raw[0:16]),
		UniqueGUID: guidFromBytes(raw[16:32]),
		FirstLBA:   binary.LittleEndian.Uint64(raw[32:40]),
		LastLBA:    binary.LittleEndian.Uint64(raw[40:48]),
		Attributes: binary.LittleEndian.Uint64(raw[48:56]),
		Name:       name,
	}, nil
}

// Resolve finds the first in-use entry with the given name. Names are
// matched case sensitively; a table carrying duplicates yields the earliest
// slot.
func (t *Table) Resolve(name string) (*Entry, error) {
	for i := range t.Entries {
		e := &t.Entries[i]
		if e.InUse() && e.Name == name {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, name)
}

// Render writes a human-readable listing of the in-use entries.
func (t *Table) Render(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "disk %s, sectors %d..%d usable, %d entry slots\n",
		t.Header.DiskGUID, t.Header.FirstUsableLBA, t.Header.LastUsableLBA, t.Header.NumEntries); err != nil {
		return err
	}
	for i := range t.Entries {
		e := &t.Entries[i]
		if !e.InUse() {
			continue
		}
		if _, err := fmt.Fprintf(w, "%3d  %-36s  %12d  %12d  %s  attrs %#x\n",
			i, e.Name, e.FirstLBA, e.NumSectors(), e.UniqueGUID, e.Attributes); err != nil {
			return err
		}
	}
	return nil
}

// guidFromBytes converts the on-disk mixed-endian layout: the first three
// fields are little endian, the rest is big endian.
func guidFromBytes(raw []byte) uuid.UUID {
	var b [16]byte
	b[0], b[1], b[2], b[3] = raw[3], raw[2], raw[1], raw[0]
	b[4], b[5] = raw[5], raw[4]
	b[6], b[7] = raw[7], raw[6]
	copy(b[8:], raw[8:16])
	return uuid.UUID(b)
}

func decodeName(raw []byte) (string, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	s, err := dec.Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("undecodable partition name: %w", err)
	}
	name := string(s)
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return name, nil
}
