package xfer

import (
	"bytes"
	"errors"
	"testing"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		total    int64
		maxChunk int64
		want     []Chunk
	}{
		{"empty", 0, 65536, []Chunk{}},
		{"single full", 65536, 65536, []Chunk{{0, 65536}}},
		{"single short", 100, 65536, []Chunk{{0, 100}}},
		{"three full plus tail", 200 * 1024, 64 * 1024, []Chunk{
			{0, 65536}, {65536, 65536}, {131072, 65536}, {196608, 8192},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Plan(tt.total, tt.maxChunk)
			if err != nil {
				t.Fatalf("Plan(%d, %d) failed: %v", tt.total, tt.maxChunk, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Plan() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPlanCoversExactly(t *testing.T) {
	plan, err := Plan(1234567, 4096)
	if err != nil {
		t.Fatal(err)
	}
	var pos int64
	for i, c := range plan {
		if c.Offset != pos {
			t.Fatalf("chunk %d starts at %d, want %d (gap or overlap)", i, c.Offset, pos)
		}
		if c.Length <= 0 || c.Length > 4096 {
			t.Fatalf("chunk %d has length %d", i, c.Length)
		}
		if c.Length < 4096 && i != len(plan)-1 {
			t.Fatalf("short chunk %d is not the last", i)
		}
		pos += c.Length
	}
	if pos != 1234567 {
		t.Errorf("plan covers %d bytes, want 1234567", pos)
	}
}

func TestPlanRejectsBadInput(t *testing.T) {
	if _, err := Plan(-1, 4096); err == nil {
		t.Error("Plan accepted a negative total")
	}
	if _, err := Plan(100, 0); err == nil {
		t.Error("Plan accepted a zero chunk size")
	}
}

func TestCompareWriterMatch(t *testing.T) {
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	plan, _ := Plan(3000, 1024)
	w := NewCompareWriter(bytes.NewReader(data), plan)
	for _, c := range plan {
		if _, err := w.Write(data[c.Offset : c.Offset+c.Length]); err != nil {
			t.Fatalf("Write at offset %d failed: %v", c.Offset, err)
		}
	}
}

func TestCompareWriterReportsMismatchedChunk(t *testing.T) {
	expected := make([]byte, 200*1024)
	for i := range expected {
		expected[i] = byte(i % 7)
	}
	readBack := append([]byte(nil), expected...)
	readBack[140000] ^= 0xff // inside the third 64KiB chunk

	plan, _ := Plan(int64(len(expected)), 64*1024)
	w := NewCompareWriter(bytes.NewReader(expected), plan)

	var err error
	for _, c := range plan {
		if _, err = w.Write(readBack[c.Offset : c.Offset+c.Length]); err != nil {
			break
		}
	}
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("error is %T (%v), want *VerifyError", err, err)
	}
	if verr.Offset != 131072 || verr.Length != 65536 {
		t.Errorf("mismatch attributed to chunk {%d, %d}, want {131072, 65536}", verr.Offset, verr.Length)
	}

	// The error sticks.
	if _, err := w.Write([]byte{0}); !errors.As(err, &verr) {
		t.Errorf("subsequent Write returned %v, want the sticky VerifyError", err)
	}
}

func TestCompareWriterZeroPadsShortSource(t *testing.T) {
	src := []byte{1, 2, 3}
	plan, _ := Plan(8, 8)
	w := NewCompareWriter(bytes.NewReader(src), plan)
	if _, err := w.Write([]byte{1, 2, 3, 0, 0, 0, 0, 0}); err != nil {
		t.Errorf("zero-padded tail rejected: %v", err)
	}

	w = NewCompareWriter(bytes.NewReader(src), plan)
	if _, err := w.Write([]byte{1, 2, 3, 0, 9, 0, 0, 0}); err == nil {
		t.Error("nonzero byte past the source end was accepted")
	}
}
