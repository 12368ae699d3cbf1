package session

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestFindHexDigest(t *testing.T) {
	digest := "a665a45920422f9d417e4867efdc4fb8a04a1f3fff1fa07e998e86f7f7a27ae3"
	tests := []struct {
		name  string
		lines []string
		want  string
		ok    bool
	}{
		{"bare", []string{digest}, digest, true},
		{"embedded", []string{"Digest of sectors 6-901: " + digest}, digest, true},
		{"uppercase", []string{"SHA256 " + "A665A45920422F9D417E4867EFDC4FB8A04A1F3FFF1FA07E998E86F7F7A27AE3"}, digest, true},
		{"later line", []string{"computing hash...", "done: " + digest}, digest, true},
		{"too short", []string{"deadbeef"}, "", false},
		{"none", []string{"Finished sector 900"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := findHexDigest(tt.lines)
			if ok != tt.ok || got != tt.want {
				t.Errorf("findHexDigest(%q) = %q, %v; want %q, %v", tt.lines, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestLocalDigestPadsPastEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	data := []byte("short image")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	padded := make([]byte, 512)
	copy(padded, data)
	want := sha256.Sum256(padded)

	got, err := localDigest(f, 0, 512)
	if err != nil {
		t.Fatalf("localDigest() failed: %v", err)
	}
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("localDigest() = %s, want the zero-padded digest %x", got, want)
	}
}

func TestCeilDiv(t *testing.T) {
	tests := []struct{ a, b, want int64 }{
		{0, 512, 0},
		{1, 512, 1},
		{512, 512, 1},
		{513, 512, 2},
		{4096, 4096, 1},
	}
	for _, tt := range tests {
		if got := ceilDiv(tt.a, tt.b); got != tt.want {
			t.Errorf("ceilDiv(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
