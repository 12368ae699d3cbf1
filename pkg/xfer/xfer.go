// Package xfer holds the chunking and verification helpers shared by the
// storage transfer paths.
package xfer

import (
	"bytes"
	"fmt"
	"io"
)

// Chunk is one contiguous piece of a transfer.
type Chunk struct {
	Offset int64
	Length int64
}

// Plan splits a transfer of total bytes into maxChunk-sized pieces. Chunks
// are ascending, gapless, and cover total exactly; only the last chunk may
// be shorter than maxChunk.
func Plan(total, maxChunk int64) ([]Chunk, error) {
	if total < 0 {
		return nil, fmt.Errorf("xfer: negative transfer size %d", total)
	}
	if maxChunk <= 0 {
		return nil, fmt.Errorf("xfer: invalid chunk size %d", maxChunk)
	}
	plan := make([]Chunk, 0, (total+maxChunk-1)/maxChunk)
	for off := int64(0); off < total; off += maxChunk {
		length := maxChunk
		if rem := total - off; rem < length {
			length = rem
		}
		plan = append(plan, Chunk{Offset: off, Length: length})
	}
	return plan, nil
}

// Progress is a snapshot of a running transfer.
type Progress struct {
	Transferred int64
	Total       int64
}

// ProgressFunc receives a snapshot after each completed chunk.
type ProgressFunc func(Progress)

// VerifyError pinpoints the first chunk whose read-back differs from the
// data that was written.
type VerifyError struct {
	Offset int64
	Length int64
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("xfer: verification failed in chunk at offset %d (%d bytes)", e.Offset, e.Length)
}

// CompareWriter checks a read-back stream against the expected source. The
// source may be shorter than the stream; the missing tail is treated as
// zeros, matching how a short image is padded when written out. The first
// mismatch is reported as a VerifyError naming the chunk that contains it,
// and the error sticks for all later writes.
type CompareWriter struct {
	expected io.Reader
	plan     []Chunk
	pos      int64
	err      error
}

func NewCompareWriter(expected io.Reader, plan []Chunk) *CompareWriter {
	return &CompareWriter{expected: expected, plan: plan}
}

func (w *CompareWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	// A short expected source means implicit zero padding; want stays
	// zeroed past what ReadFull delivers.
	want := make([]byte, len(p))
	if _, err := io.ReadFull(w.expected, want); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		w.err = fmt.Errorf("xfer: reading expected data: %w", err)
		return 0, w.err
	}
	if !bytes.Equal(p, want) {
		mismatch := w.pos
		for i := range p {
			if p[i] != want[i] {
				mismatch = w.pos + int64(i)
				break
			}
		}
		w.err = &VerifyError{Offset: mismatch, Length: int64(len(p))}
		if c, ok := w.chunkAt(mismatch); ok {
			w.err = &VerifyError{Offset: c.Offset, Length: c.Length}
		}
		return 0, w.err
	}
	w.pos += int64(len(p))
	return len(p), nil
}

func (w *CompareWriter) chunkAt(off int64) (Chunk, bool) {
	for _, c := range w.plan {
		if off >= c.Offset && off < c.Offset+c.Length {
			return c, true
		}
	}
	return Chunk{}, false
}
