package programfile

import (
	"strings"
	"testing"
)

const rawprogramDoc = `<?xml version="1.0" ?>
<data>
  <program SECTOR_SIZE_IN_BYTES="4096" file_sector_offset="0" filename="xbl.elf" label="xbl" num_partition_sectors="896" physical_partition_number="1" start_sector="6"/>
  <program SECTOR_SIZE_IN_BYTES="4096" filename="" label="last_parti" num_partition_sectors="0" physical_partition_number="0" start_sector="NUM_DISK_SECTORS-5."/>
  <read SECTOR_SIZE_IN_BYTES="4096" filename="gpt_main0.bin" label="PrimaryGPT" num_partition_sectors="6" physical_partition_number="0" start_sector="0"/>
  <getsha256digest SECTOR_SIZE_IN_BYTES="4096" label="xbl" num_partition_sectors="896" physical_partition_number="1" start_sector="6"/>
</data>
`

const patchDoc = `<?xml version="1.0" ?>
<data>
  <patch SECTOR_SIZE_IN_BYTES="4096" byte_offset="48" filename="DISK" physical_partition_number="0" size_in_bytes="8" start_sector="1" value="NUM_DISK_SECTORS-6." what="Update last usable LBA."/>
  <patch SECTOR_SIZE_IN_BYTES="4096" byte_offset="48" filename="gpt_main0.bin" physical_partition_number="0" size_in_bytes="8" start_sector="1" value="NUM_DISK_SECTORS-6." what="Same, in the backup image file."/>
</data>
`

func TestParseRawprogram(t *testing.T) {
	pf, err := parse(strings.NewReader(rawprogramDoc))
	if err != nil {
		t.Fatalf("parse() failed: %v", err)
	}
	if len(pf.Programs) != 2 || len(pf.Reads) != 2 {
		t.Fatalf("parsed %d programs and %d reads, want 2 and 2", len(pf.Programs), len(pf.Reads))
	}

	p := pf.Programs[0]
	if p.Label != "xbl" || p.Filename != "xbl.elf" || p.SectorSize != 4096 ||
		p.NumSectors != 896 || p.PhysPartition != 1 || p.StartSector != "6" {
		t.Errorf("first program parsed as %+v", p)
	}
	if !p.MarksBootable() {
		t.Error("xbl entry does not mark its partition bootable")
	}
	if pf.Programs[1].StartSector != "NUM_DISK_SECTORS-5." {
		t.Errorf("expression start sector mangled: %q", pf.Programs[1].StartSector)
	}
	if pf.Programs[1].MarksBootable() {
		t.Error("last_parti entry marks bootable")
	}

	if pf.Reads[0].ChecksumOnly || pf.Reads[0].Filename != "gpt_main0.bin" {
		t.Errorf("read entry parsed as %+v", pf.Reads[0])
	}
	if !pf.Reads[1].ChecksumOnly {
		t.Error("getsha256digest entry not flagged checksum-only")
	}
}

func TestParsePatches(t *testing.T) {
	pf, err := parse(strings.NewReader(patchDoc))
	if err != nil {
		t.Fatalf("parse() failed: %v", err)
	}
	if len(pf.Patches) != 2 {
		t.Fatalf("parsed %d patches, want 2", len(pf.Patches))
	}
	if !pf.Patches[0].OnDisk() {
		t.Error("DISK patch not recognized as on-disk")
	}
	if pf.Patches[1].OnDisk() {
		t.Error("image-file patch reported as on-disk")
	}
	if pf.Patches[0].Value != "NUM_DISK_SECTORS-6." {
		t.Errorf("patch value = %q", pf.Patches[0].Value)
	}
}

func TestParseRejectsUnknownElement(t *testing.T) {
	doc := `<?xml version="1.0" ?><data><zeroout start_sector="0" num_partition_sectors="1"/></data>`
	if _, err := parse(strings.NewReader(doc)); err == nil {
		t.Fatal("unknown element accepted; a misread descriptor could damage a device")
	}
}

func TestParseRejectsMissingAttribute(t *testing.T) {
	doc := `<?xml version="1.0" ?><data><program SECTOR_SIZE_IN_BYTES="512" num_partition_sectors="4" physical_partition_number="0"/></data>`
	if _, err := parse(strings.NewReader(doc)); err == nil || !strings.Contains(err.Error(), "start_sector") {
		t.Errorf("parse() = %v, want a missing start_sector error", err)
	}
}

func TestParseRejectsNonNumericReadStart(t *testing.T) {
	doc := `<?xml version="1.0" ?><data><read SECTOR_SIZE_IN_BYTES="512" num_partition_sectors="4" physical_partition_number="0" start_sector="NUM_DISK_SECTORS-5."/></data>`
	if _, err := parse(strings.NewReader(doc)); err == nil {
		t.Fatal("read entry with an expression start sector accepted")
	}
}
