package hostdisk

import (
	"os"
	"path/filepath"
	"testing"
)

func buildImage(t *testing.T, sectors int) string {
	t.Helper()
	data := make([]byte, sectors*sectorSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSectorReadMatchesContent(t *testing.T) {
	path := buildImage(t, 4)
	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	buf := make([]byte, 512)
	if err := img.SectorRead(2, buf); err != nil {
		t.Fatalf("SectorRead: %v", err)
	}
	for i, b := range buf {
		want := byte((2*512 + i) % 251)
		if b != want {
			t.Fatalf("byte %d = %#x, want %#x", i, b, want)
		}
	}
}

func TestSectorReadOutOfRange(t *testing.T) {
	path := buildImage(t, 1)
	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if err := img.SectorRead(5, make([]byte, 512)); err == nil {
		t.Fatalf("SectorRead accepted an out-of-range sector")
	}
}

func TestSectorReadIsIndependentOfFileCursor(t *testing.T) {
	path := buildImage(t, 4)
	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	first := make([]byte, 512)
	second := make([]byte, 512)
	if err := img.SectorRead(3, first); err != nil {
		t.Fatalf("SectorRead(3): %v", err)
	}
	if err := img.SectorRead(0, second); err != nil {
		t.Fatalf("SectorRead(0): %v", err)
	}
	if first[0] == second[0] {
		t.Fatalf("sector 0 and sector 3 unexpectedly read identical content")
	}
}

func TestAllocPageAdvances(t *testing.T) {
	path := buildImage(t, 1)
	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	a, _ := img.AllocPage()
	b, _ := img.AllocPage()
	if b-a != 4096 {
		t.Fatalf("AllocPage stride = %d, want 4096", b-a)
	}
}
