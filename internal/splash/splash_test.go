package splash

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/simpleboot/internal/firmware"
)

// buildRLETGA encodes a 2x2 image where every pixel uses palette index 0
// (red) as a single RLE run-length packet, with descriptor bit 5 set so no
// vertical flip is exercised in the basic decode test.
func buildRLETGA(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(0)             // id length
	buf.WriteByte(1)             // color map type: present
	buf.WriteByte(9)             // image type: RLE color-mapped
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // color map origin
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // color map length
	buf.WriteByte(24)                                  // color map depth
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // x origin
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // y origin
	binary.Write(&buf, binary.LittleEndian, uint16(2)) // width
	binary.Write(&buf, binary.LittleEndian, uint16(2)) // height
	buf.WriteByte(8)                                   // pixel depth (index bits)
	buf.WriteByte(0x20)                                // descriptor: top-left origin

	buf.Write([]byte{0x00, 0x00, 0xFF}) // palette[0] = BGR red

	buf.WriteByte(0x80 | 3) // RLE packet, run of 4 pixels
	buf.WriteByte(0)        // palette index 0

	return buf.Bytes()
}

func TestDecodeTGA(t *testing.T) {
	img, err := DecodeTGA(buildRLETGA(t))
	if err != nil {
		t.Fatalf("DecodeTGA: %v", err)
	}
	if img.Width != 2 || img.Height != 2 {
		t.Fatalf("dimensions = %dx%d, want 2x2", img.Width, img.Height)
	}
	if len(img.Pixels) != 2*2*3 {
		t.Fatalf("len(Pixels) = %d, want 12", len(img.Pixels))
	}
	for i := 0; i < 4; i++ {
		px := img.Pixels[i*3 : i*3+3]
		if !bytes.Equal(px, []byte{0x00, 0x00, 0xFF}) {
			t.Fatalf("pixel %d = % x, want red BGR", i, px)
		}
	}
}

// buildTwoRowTGA encodes a 1-wide, 2-tall image with a distinct palette
// index per row (row 0 = index 0 = red, row 1 = index 1 = green), stored in
// file order (first row written is y=0 in file storage order), so the
// vertical-flip behavior can be checked directly against descriptor bit 5.
func buildTwoRowTGA(t *testing.T, descriptor byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(0)
	buf.WriteByte(1)
	buf.WriteByte(9)
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	buf.WriteByte(24)
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // width
	binary.Write(&buf, binary.LittleEndian, uint16(2)) // height
	buf.WriteByte(8)
	buf.WriteByte(descriptor)

	buf.Write([]byte{0x00, 0x00, 0xFF}) // palette[0] = red (BGR)
	buf.Write([]byte{0x00, 0xFF, 0x00}) // palette[1] = green (BGR)

	buf.WriteByte(0x80 | 0) // run of 1, index 0, stored first
	buf.WriteByte(0)
	buf.WriteByte(0x80 | 0) // run of 1, index 1, stored second
	buf.WriteByte(1)
	return buf.Bytes()
}

func TestDecodeTGAFlipsBottomOrigin(t *testing.T) {
	// descriptor 0x20 (top-left origin): file order already matches
	// top-to-bottom, no flip, row 0 of Pixels stays red.
	img, err := DecodeTGA(buildTwoRowTGA(t, 0x20))
	if err != nil {
		t.Fatalf("DecodeTGA: %v", err)
	}
	if !bytes.Equal(img.Pixels[0:3], []byte{0x00, 0x00, 0xFF}) {
		t.Fatalf("top-left origin: row 0 = % x, want red", img.Pixels[0:3])
	}

	// descriptor 0 (bottom-left origin): file order is bottom-to-top, so
	// after the flip row 0 of Pixels must be what was stored second (green).
	img, err = DecodeTGA(buildTwoRowTGA(t, 0))
	if err != nil {
		t.Fatalf("DecodeTGA: %v", err)
	}
	if !bytes.Equal(img.Pixels[0:3], []byte{0x00, 0xFF, 0x00}) {
		t.Fatalf("bottom-left origin: row 0 after flip = % x, want green", img.Pixels[0:3])
	}
}

func TestDecodeTGARejectsUnsupportedType(t *testing.T) {
	data := buildRLETGA(t)
	data[2] = 2 // uncompressed true-color, unsupported
	if _, err := DecodeTGA(data); err == nil {
		t.Fatalf("DecodeTGA accepted an unsupported image type")
	}
}

func TestFramebufferFillAndBlit(t *testing.T) {
	info := &firmware.FramebufferInfo{Width: 4, Height: 4, Pitch: 4 * 4, BPP: 32}
	base := make([]byte, int(info.Pitch)*int(info.Height))
	fb := NewFramebuffer(info, base)

	fb.Fill(0x112233)
	if base[0] != 0x33 || base[1] != 0x22 || base[2] != 0x11 {
		t.Fatalf("Fill wrote % x, want BGR order for 0x112233", base[0:3])
	}

	img := &Image{Width: 2, Height: 2, Pixels: []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
		0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C,
	}}
	fb.BlitCentered(img)
	// A 4x4 framebuffer centers a 2x2 image at (1,1).
	off := 1*int(info.Pitch) + 1*4
	if base[off] != 0x01 || base[off+1] != 0x02 || base[off+2] != 0x03 {
		t.Fatalf("BlitCentered top-left pixel = % x, want 01 02 03", base[off:off+3])
	}
}

func TestDrawProgressFillsProportionally(t *testing.T) {
	info := &firmware.FramebufferInfo{Width: 10, Height: 4, Pitch: 10 * 4, BPP: 32}
	base := make([]byte, int(info.Pitch)*int(info.Height))
	fb := NewFramebuffer(info, base)
	fb.DrawProgress(0.5)

	row := int(info.Height) - 1
	filledOff := row*int(info.Pitch) + 2*4
	emptyOff := row*int(info.Pitch) + 8*4
	if base[filledOff+1] != 0xC0 {
		t.Fatalf("filled pixel green channel = %#x, want 0xC0", base[filledOff+1])
	}
	if base[emptyOff] != 0x30 {
		t.Fatalf("empty pixel = %#x, want gray 0x30", base[emptyOff])
	}
}

func TestDefaultFontParses(t *testing.T) {
	f := DefaultFont()
	if f.Width != 8 || f.Height != 16 {
		t.Fatalf("default font is %dx%d, want 8x16", f.Width, f.Height)
	}
	if f.GlyphCount != 128 {
		t.Fatalf("GlyphCount = %d, want 128", f.GlyphCount)
	}
}

func TestParsePSF2RejectsBadMagic(t *testing.T) {
	if _, err := ParsePSF2(make([]byte, 64)); err == nil {
		t.Fatalf("ParsePSF2 accepted a zeroed blob")
	}
}

func TestTextConsoleDrawsGlyphPixels(t *testing.T) {
	font := DefaultFont()
	info := &firmware.FramebufferInfo{Width: 64, Height: 48, Pitch: 64 * 4, BPP: 32}
	base := make([]byte, int(info.Pitch)*int(info.Height))
	fb := NewFramebuffer(info, base)
	con := NewTextConsole(fb, font, 0x000000)

	if _, err := con.Write([]byte("A")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	lit := 0
	for _, b := range base {
		if b == 0xFF {
			lit++
		}
	}
	if lit == 0 {
		t.Fatalf("no foreground pixels drawn for 'A'")
	}
}

func TestTextConsoleScrollsAtBottom(t *testing.T) {
	font := DefaultFont()
	info := &firmware.FramebufferInfo{Width: 64, Height: 40, Pitch: 64 * 4, BPP: 32}
	base := make([]byte, int(info.Pitch)*int(info.Height))
	fb := NewFramebuffer(info, base)
	con := NewTextConsole(fb, font, 0x000000)

	// 40px tall fits two 16px rows inside the margins; a third line must
	// scroll rather than draw past the bottom edge.
	con.Write([]byte("a\nb\nc\nd"))
	if con.y+int(font.Height)+textMargin > int(info.Height) {
		t.Fatalf("cursor y=%d ran past the framebuffer bottom", con.y)
	}
}
