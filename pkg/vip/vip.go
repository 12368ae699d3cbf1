// Package vip produces the digest tables for Validated Image Programming,
// where a programmer only accepts traffic whose hashes were signed ahead of
// time. Every packet the host will send, command documents and raw payload
// chunks alike, gets one SHA-256 entry.
package vip

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/qdl-tools/qdl-go/pkg/firehose"
)

const digestSize = sha256.Size

// The primary table is limited by what fits in the signed MBN: 53 packet
// digests plus one slot chaining to the first overflow table.
const maxPrimaryDigests = 53

// CalcHashes walks a command XML document and computes the digest sequence
// a VIP-enabled programmer will check: one digest per command element,
// rendered exactly as it goes on the wire, and for program commands one
// digest per payload chunk of sendBufferSize bytes. Files named by program
// entries are resolved relative to the document.
func CalcHashes(xmlPath string, sendBufferSize int) ([][]byte, error) {
	if sendBufferSize <= 0 || sendBufferSize%digestSize != 0 {
		return nil, fmt.Errorf("vip: send buffer size %d is not a positive multiple of %d", sendBufferSize, digestSize)
	}
	f, err := os.Open(xmlPath)
	if err != nil {
		return nil, fmt.Errorf("vip: %w", err)
	}
	defer f.Close()

	var digests [][]byte
	dir := filepath.Dir(xmlPath)
	dec := xml.NewDecoder(f)
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("vip: %s: %w", xmlPath, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				if t.Name.Local != "data" {
					return nil, fmt.Errorf("vip: %s: root element is <%s>, want <data>", xmlPath, t.Name.Local)
				}
				continue
			}
			attrs := make([]firehose.Attr, 0, len(t.Attr))
			for _, a := range t.Attr {
				attrs = append(attrs, firehose.Attr{Key: a.Name.Local, Value: a.Value})
			}
			sum := sha256.Sum256(firehose.BuildPacket(t.Name.Local, attrs))
			digests = append(digests, sum[:])

			if t.Name.Local == "program" {
				chunks, err := payloadDigests(dir, t.Attr, sendBufferSize)
				if err != nil {
					return nil, fmt.Errorf("vip: %s: %w", xmlPath, err)
				}
				digests = append(digests, chunks...)
			}
		case xml.EndElement:
			depth--
		}
	}
	return digests, nil
}

func payloadDigests(dir string, attrs []xml.Attr, sendBufferSize int) ([][]byte, error) {
	var filename string
	var sectorSize, numSectors int64
	for _, a := range attrs {
		var err error
		switch a.Name.Local {
		case "filename":
			filename = a.Value
		case "SECTOR_SIZE_IN_BYTES":
			sectorSize, err = strconv.ParseInt(a.Value, 10, 64)
		case "num_partition_sectors":
			numSectors, err = strconv.ParseInt(a.Value, 10, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("program attribute %s=%q: %w", a.Name.Local, a.Value, err)
		}
	}
	if filename == "" {
		return nil, nil
	}
	if sectorSize <= 0 || numSectors <= 0 {
		return nil, fmt.Errorf("program entry for %s has no usable sector geometry", filename)
	}

	f, err := os.Open(filepath.Join(dir, filename))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	total := numSectors * sectorSize
	buf := make([]byte, sendBufferSize)
	var digests [][]byte
	for off := int64(0); off < total; off += int64(sendBufferSize) {
		chunk := buf[:min64(int64(sendBufferSize), total-off)]
		n, err := io.ReadFull(f, chunk)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			for i := n; i < len(chunk); i++ {
				chunk[i] = 0
			}
		} else if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filename, err)
		}
		sum := sha256.Sum256(chunk)
		digests = append(digests, sum[:])
	}
	return digests, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// GenHashTables lays the digests out as the signed primary table plus, if
// they do not all fit, a chain of overflow tables where each table's last
// entry is the hash of the next one. The primary table goes into an MBN
// wrapper ready for signing (signme.mbn); the chained tables are
// concatenated into tables.bin.
func GenHashTables(digests [][]byte, outputDir string, maxTableSize int) error {
	perChained := maxTableSize/digestSize - 1
	if perChained <= 0 {
		return fmt.Errorf("vip: table size %d cannot hold any digests", maxTableSize)
	}

	if len(digests) <= maxPrimaryDigests+1 {
		return writeMBN(filepath.Join(outputDir, "signme.mbn"), bytes.Join(digests, nil))
	}

	rest := digests[maxPrimaryDigests:]
	var groups [][][]byte
	for len(rest) > 0 {
		n := perChained
		if len(rest) < n {
			n = len(rest)
		}
		groups = append(groups, rest[:n])
		rest = rest[n:]
	}

	// Each table embeds the hash of its successor, so the chain is built
	// back to front.
	tables := make([][]byte, len(groups))
	for i := len(groups) - 1; i >= 0; i-- {
		tbl := bytes.Join(groups[i], nil)
		if i < len(groups)-1 {
			next := sha256.Sum256(tables[i+1])
			tbl = append(tbl, next[:]...)
		}
		tables[i] = tbl
	}

	first := sha256.Sum256(tables[0])
	primary := append(bytes.Join(digests[:maxPrimaryDigests], nil), first[:]...)
	if err := writeMBN(filepath.Join(outputDir, "signme.mbn"), primary); err != nil {
		return err
	}

	chained := bytes.Join(tables, nil)
	if err := os.WriteFile(filepath.Join(outputDir, "tables.bin"), chained, 0o644); err != nil {
		return fmt.Errorf("vip: %w", err)
	}
	return nil
}

const (
	mbnHeaderSize = 40
	mbnImageID    = 26 // SBL_VIRTUAL_BLOCK
	mbnHeaderVsn  = 3
)

// writeMBN wraps a digest table in the 40-byte MBN image header the signing
// tools expect.
func writeMBN(path string, table []byte) error {
	hdr := make([]byte, mbnHeaderSize)
	fields := []uint32{
		mbnImageID,
		mbnHeaderVsn,
		mbnHeaderSize,      // image_src: payload follows the header
		0,                  // image_dest_ptr
		uint32(len(table)), // image_size
		uint32(len(table)), // code_size
		0,                  // signature_ptr
		0,                  // signature_size
		0,                  // cert_chain_ptr
		0,                  // cert_chain_size
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint32(hdr[4*i:], v)
	}
	if err := os.WriteFile(path, append(hdr, table...), 0o644); err != nil {
		return fmt.Errorf("vip: %w", err)
	}
	return nil
}
