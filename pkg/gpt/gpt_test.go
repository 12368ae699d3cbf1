package gpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

const testSectorSize = 512

type testEntry struct {
	typ   byte // nonzero marks the slot in use
	name  string
	first uint64
	last  uint64
}

func u16name(s string) []byte {
	b := make([]byte, 72)
	for i, r := range s {
		b[2*i] = byte(r)
	}
	return b
}

// buildImage assembles a minimal valid drive prefix: protective LBA 0,
// header at LBA 1, a four-slot entry array at LBA 2.
func buildImage(entries []testEntry) []byte {
	const slots = 4
	raw := make([]byte, 2*testSectorSize+slots*128)
	for i, te := range entries {
		off := 2*testSectorSize + i*128
		if te.typ != 0 {
			for j := 0; j < 16; j++ {
				raw[off+j] = te.typ
			}
			raw[off+16] = byte(i + 1) // unique GUID, any nonzero value
		}
		binary.LittleEndian.PutUint64(raw[off+32:], te.first)
		binary.LittleEndian.PutUint64(raw[off+40:], te.last)
		copy(raw[off+56:off+128], u16name(te.name))
	}
	array := raw[2*testSectorSize:]

	h := raw[testSectorSize : testSectorSize+92]
	copy(h[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(h[8:], 0x00010000)
	binary.LittleEndian.PutUint32(h[12:], 92)
	binary.LittleEndian.PutUint64(h[24:], 1)
	binary.LittleEndian.PutUint64(h[32:], 8191)
	binary.LittleEndian.PutUint64(h[40:], 3)
	binary.LittleEndian.PutUint64(h[48:], 8100)
	binary.LittleEndian.PutUint64(h[72:], 2)
	binary.LittleEndian.PutUint32(h[80:], slots)
	binary.LittleEndian.PutUint32(h[84:], 128)
	binary.LittleEndian.PutUint32(h[88:], crc32.ChecksumIEEE(array))
	// CRC field is still zero here, as the computation requires.
	binary.LittleEndian.PutUint32(h[16:], crc32.ChecksumIEEE(h))
	return raw
}

func TestParse(t *testing.T) {
	raw := buildImage([]testEntry{
		{0x11, "xbl", 6, 9},
		{0x22, "userdata", 100, 4099},
		{}, // unused slot
		{0x33, "xbl", 500, 501},
	})
	tbl, err := Parse(raw, testSectorSize)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if got := tbl.Header.FirstUsableLBA; got != 3 {
		t.Errorf("FirstUsableLBA = %d, want 3", got)
	}
	if len(tbl.Entries) != 4 {
		t.Fatalf("parsed %d entries, want 4 slots", len(tbl.Entries))
	}
	if tbl.Entries[2].InUse() {
		t.Error("empty slot reported as in use")
	}

	ud, err := tbl.Resolve("userdata")
	if err != nil {
		t.Fatalf("Resolve(userdata) failed: %v", err)
	}
	if ud.FirstLBA != 100 || ud.NumSectors() != 4000 {
		t.Errorf("userdata = LBA %d x %d sectors, want 100 x 4000", ud.FirstLBA, ud.NumSectors())
	}
}

func TestResolveDuplicateNameReturnsFirst(t *testing.T) {
	raw := buildImage([]testEntry{
		{0x11, "xbl", 6, 9},
		{0x33, "xbl", 500, 501},
	})
	tbl, err := Parse(raw, testSectorSize)
	if err != nil {
		t.Fatal(err)
	}
	e, err := tbl.Resolve("xbl")
	if err != nil {
		t.Fatal(err)
	}
	if e.FirstLBA != 6 {
		t.Errorf("duplicate name resolved to LBA %d, want the first slot at 6", e.FirstLBA)
	}
}

func TestResolveNotFound(t *testing.T) {
	tbl, err := Parse(buildImage([]testEntry{{0x11, "xbl", 6, 9}}), testSectorSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Resolve("no-such-partition"); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("Resolve() = %v, want ErrPartitionNotFound", err)
	}
	// Case sensitive.
	if _, err := tbl.Resolve("XBL"); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("Resolve(XBL) = %v, want ErrPartitionNotFound", err)
	}
}

func TestParseBadSignature(t *testing.T) {
	raw := buildImage(nil)
	raw[testSectorSize] ^= 0xff
	if _, err := Parse(raw, testSectorSize); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Parse() = %v, want ErrBadSignature", err)
	}
}

func TestParseHeaderCRCMismatch(t *testing.T) {
	raw := buildImage([]testEntry{{0x11, "xbl", 6, 9}})
	raw[testSectorSize+8] ^= 0x01 // single bit flip in the revision field

	tbl, err := Parse(raw, testSectorSize)
	if !errors.Is(err, ErrHeaderCRC) {
		t.Fatalf("Parse() = %v, want ErrHeaderCRC", err)
	}
	if tbl == nil {
		t.Fatal("damaged table not returned for inspection")
	}
	if _, rerr := tbl.Resolve("xbl"); rerr != nil {
		t.Errorf("entries of a header-damaged table unusable: %v", rerr)
	}
}

func TestParseArrayCRCMismatch(t *testing.T) {
	raw := buildImage([]testEntry{{0x11, "xbl", 6, 9}})
	raw[2*testSectorSize+32] ^= 0x01 // flip a bit in the first entry's start LBA

	tbl, err := Parse(raw, testSectorSize)
	if !errors.Is(err, ErrArrayCRC) {
		t.Fatalf("Parse() = %v, want ErrArrayCRC", err)
	}
	if tbl == nil {
		t.Fatal("damaged table not returned for inspection")
	}
}

// rewriteHeaderCRC makes a mutated header checksum-valid again, as a
// corrupted-but-consistent table would be.
func rewriteHeaderCRC(raw []byte) {
	h := raw[testSectorSize : testSectorSize+92]
	binary.LittleEndian.PutUint32(h[16:], 0)
	binary.LittleEndian.PutUint32(h[16:], crc32.ChecksumIEEE(h))
}

func TestParseRejectsWildEntryGeometry(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h []byte)
	}{
		{"entry lba overflows the offset", func(h []byte) {
			binary.LittleEndian.PutUint64(h[72:], 1<<55-1)
		}},
		{"entry count overflows the length", func(h []byte) {
			binary.LittleEndian.PutUint32(h[80:], 0xffffffff)
			binary.LittleEndian.PutUint32(h[84:], 0xffffffff)
		}},
		{"array past the data read", func(h []byte) {
			binary.LittleEndian.PutUint64(h[72:], 100)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := buildImage([]testEntry{{0x11, "xbl", 6, 9}})
			tt.mutate(raw[testSectorSize : testSectorSize+92])
			rewriteHeaderCRC(raw)
			if _, err := Parse(raw, testSectorSize); err == nil {
				t.Fatal("Parse() accepted a header whose entry array cannot fit the data")
			}
		})
	}
}

func TestGUIDMixedEndian(t *testing.T) {
	// EFI system partition type GUID in its on-disk byte order.
	raw := []byte{
		0x28, 0x73, 0x2a, 0xc1, 0x1f, 0xf8, 0xd2, 0x11,
		0xba, 0x4b, 0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b,
	}
	got := guidFromBytes(raw)
	if want := "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"; got.String() != want {
		t.Errorf("guidFromBytes() = %s, want %s", got, want)
	}
}

func TestRenderSkipsUnusedSlots(t *testing.T) {
	tbl, err := Parse(buildImage([]testEntry{
		{0x11, "xbl", 6, 9},
		{},
	}), testSectorSize)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := tbl.Render(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte("xbl")) {
		t.Errorf("listing does not mention xbl:\n%s", out)
	}
	if lines := bytes.Count(buf.Bytes(), []byte("\n")); lines != 2 {
		t.Errorf("listing has %d lines, want header plus one entry:\n%s", lines, out)
	}
}
