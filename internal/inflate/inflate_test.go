package inflate

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"testing"
)

func buildGUDTBlob(t *testing.T, payload []byte) []byte {
	t.Helper()
	var zbuf bytes.Buffer
	w := zlib.NewWriter(&zbuf)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("zlib.Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib.Close: %v", err)
	}
	hdr := []byte{'G', 'U', 'D', 'T', 0, 0, 0, 0}
	return append(hdr, zbuf.Bytes()...)
}

func TestDecompressAllGUDT(t *testing.T) {
	want := []byte("device tree override payload")
	blob := buildGUDTBlob(t, want)

	got, err := DecompressAll(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("DecompressAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("DecompressAll = %q, want %q", got, want)
	}
}

func TestDetectGUDTMagic(t *testing.T) {
	blob := buildGUDTBlob(t, []byte("x"))
	kind, r, err := Detect(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if kind != KindGUDT {
		t.Fatalf("Kind = %v, want KindGUDT", kind)
	}
	replay := make([]byte, 9)
	if _, err := io.ReadFull(r, replay); err != nil {
		t.Fatalf("replay read: %v", err)
	}
	if !bytes.Equal(replay, blob[:9]) {
		t.Fatalf("Detect consumed bytes instead of replaying them: got % x, want % x", replay, blob[:9])
	}
}

func TestDetectGUDTSizeFormula(t *testing.T) {
	header := []byte{'G', 'U', 'D', 'T', 0x08, 0x00, 0x01, 0x00, 0x78}
	size, ok := DetectGUDT(header)
	if !ok {
		t.Fatalf("DetectGUDT: expected ok=true")
	}
	want := ((0x08 + 7) &^ 7) + (0x01 << 4)
	if size != want {
		t.Fatalf("DetectGUDT size = %d, want %d", size, want)
	}
}

func TestDetectGUDTRejectsWrongSentinelByte(t *testing.T) {
	header := []byte{'G', 'U', 'D', 'T', 0, 0, 0, 0, 0x79}
	if _, ok := DetectGUDT(header); ok {
		t.Fatalf("DetectGUDT: expected ok=false when byte 8 isn't 0x78")
	}
}

func TestDecompressAllGzip(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	want := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := w.Write(want); err != nil {
		t.Fatalf("gzip.Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip.Close: %v", err)
	}

	got, err := DecompressAll(&gz)
	if err != nil {
		t.Fatalf("DecompressAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("DecompressAll = %q, want %q", got, want)
	}
}

func TestDecompressAllPassthrough(t *testing.T) {
	want := []byte{0x00, 0x01, 0x02, 0x03}
	got, err := DecompressAll(bytes.NewReader(want))
	if err != nil {
		t.Fatalf("DecompressAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("DecompressAll = % x, want % x (no gzip magic, passthrough)", got, want)
	}
}

func TestDetectGzipMagic(t *testing.T) {
	kind, r, err := Detect(bytes.NewReader([]byte{0x1F, 0x8B, 0x08, 0x00}))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if kind != KindGzip {
		t.Fatalf("Kind = %v, want KindGzip", kind)
	}
	replay := make([]byte, 4)
	if _, err := r.Read(replay); err != nil {
		t.Fatalf("replay read: %v", err)
	}
	if !bytes.Equal(replay, []byte{0x1F, 0x8B, 0x08, 0x00}) {
		t.Fatalf("Detect consumed bytes instead of replaying them: got % x", replay)
	}
}

func TestDecompressDeflate(t *testing.T) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	want := []byte("raw deflate payload, no zlib or gzip wrapper")
	if _, err := w.Write(want); err != nil {
		t.Fatalf("flate.Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("flate.Close: %v", err)
	}

	got, err := DecompressDeflate(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecompressDeflate: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("DecompressDeflate = %q, want %q", got, want)
	}
}
