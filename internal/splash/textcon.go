package splash

import (
	"encoding/binary"
	"fmt"
)

// psf2Magic identifies a PC Screen Font v2 blob.
const psf2Magic = 0x864ab572

// textMargin keeps glyph output off the very edge of the screen, where
// overscan on real displays can swallow it.
const textMargin = 4

// Font is a parsed PSF2 bitmap font.
type Font struct {
	GlyphCount    uint32
	BytesPerGlyph uint32
	Height        uint32
	Width         uint32

	headerSize uint32
	data       []byte
}

// ParsePSF2 decodes a PSF2 font blob: a 32-byte header (magic, version,
// header size, flags, glyph count, bytes per glyph, height, width) followed
// by the packed glyph bitmaps, one row per (width+7)/8 bytes.
func ParsePSF2(data []byte) (*Font, error) {
	if len(data) < 32 || binary.LittleEndian.Uint32(data[0:4]) != psf2Magic {
		return nil, fmt.Errorf("splash: not a PSF2 font")
	}
	f := &Font{
		headerSize:    binary.LittleEndian.Uint32(data[8:12]),
		GlyphCount:    binary.LittleEndian.Uint32(data[16:20]),
		BytesPerGlyph: binary.LittleEndian.Uint32(data[20:24]),
		Height:        binary.LittleEndian.Uint32(data[24:28]),
		Width:         binary.LittleEndian.Uint32(data[28:32]),
	}
	if f.GlyphCount == 0 || f.BytesPerGlyph == 0 || f.Width == 0 || f.Height == 0 {
		return nil, fmt.Errorf("splash: PSF2 font with zero-sized glyphs")
	}
	need := int(f.headerSize) + int(f.GlyphCount)*int(f.BytesPerGlyph)
	if need > len(data) {
		return nil, fmt.Errorf("splash: PSF2 font truncated (%d glyphs need %d bytes, have %d)", f.GlyphCount, need, len(data))
	}
	f.data = data
	return f, nil
}

// DefaultFont returns the built-in 8x16 console font.
func DefaultFont() *Font {
	f, err := ParsePSF2(consoleFontPSF)
	if err != nil {
		panic("splash: built-in console font is invalid: " + err.Error())
	}
	return f
}

// glyph returns the bitmap rows for ch, falling back to glyph 0 for
// characters outside the font.
func (f *Font) glyph(ch byte) []byte {
	idx := uint32(ch)
	if idx >= f.GlyphCount {
		idx = 0
	}
	off := f.headerSize + idx*f.BytesPerGlyph
	return f.data[off : off+f.BytesPerGlyph]
}

// TextConsole renders console bytes as font glyphs onto a framebuffer, the
// "framebuffer glyph" sink of the console_write fan-out. It implements
// io.Writer so it can be registered directly with bootlog.Console.Add.
type TextConsole struct {
	fb   *Framebuffer
	font *Font
	bg   uint32
	x, y int
}

// NewTextConsole starts a glyph console at the top-left margin. bg is the
// 0xRRGGBB background color glyph cells are cleared to (the boot-splash
// background, so text composites over it).
func NewTextConsole(fb *Framebuffer, font *Font, bg uint32) *TextConsole {
	return &TextConsole{fb: fb, font: font, bg: bg, x: textMargin, y: textMargin}
}

// Write implements io.Writer over putc; it never fails, a glyph that
// doesn't fit is clipped by the framebuffer's own bounds checks.
func (c *TextConsole) Write(p []byte) (int, error) {
	for _, b := range p {
		c.putc(b)
	}
	return len(p), nil
}

func (c *TextConsole) putc(ch byte) {
	w, h := int(c.font.Width), int(c.font.Height)
	fbW, fbH := int(c.fb.fb.Width), int(c.fb.fb.Height)
	switch ch {
	case '\r':
		c.x = textMargin
	case '\n':
		c.x = textMargin
		c.y += h
	default:
		if c.x+w+textMargin >= fbW {
			c.x = textMargin
			c.y += h
		}
		if c.y+h+textMargin > fbH {
			c.scroll(c.y - (fbH - h - textMargin))
			c.y = fbH - h - textMargin
		}
		c.drawGlyph(ch)
		c.x += w + 1
	}
}

// scroll moves the whole framebuffer up by lines scanlines and clears the
// vacated bottom rows to the background color.
func (c *TextConsole) scroll(lines int) {
	if lines <= 0 {
		return
	}
	pitch := int(c.fb.fb.Pitch)
	height := int(c.fb.fb.Height)
	if lines >= height {
		lines = height
	}
	copy(c.fb.base[:(height-lines)*pitch], c.fb.base[lines*pitch:height*pitch])
	bgr := [3]byte{byte(c.bg), byte(c.bg >> 8), byte(c.bg >> 16)}
	for y := height - lines; y < height; y++ {
		for x := 0; x < int(c.fb.fb.Width); x++ {
			c.fb.setPixel(x, y, bgr)
		}
	}
}

func (c *TextConsole) drawGlyph(ch byte) {
	rows := c.font.glyph(ch)
	bpl := (int(c.font.Width) + 7) / 8
	bg := [3]byte{byte(c.bg), byte(c.bg >> 8), byte(c.bg >> 16)}
	fg := [3]byte{0xFF, 0xFF, 0xFF}
	for y := 0; y < int(c.font.Height); y++ {
		row := rows[y*bpl : (y+1)*bpl]
		for x := 0; x < int(c.font.Width); x++ {
			set := row[x/8]&(0x80>>(x%8)) != 0
			if set {
				c.fb.setPixel(c.x+x, c.y+y, fg)
			} else {
				c.fb.setPixel(c.x+x, c.y+y, bg)
			}
		}
	}
	// One background column separates adjacent glyphs.
	for y := 0; y < int(c.font.Height); y++ {
		c.fb.setPixel(c.x+int(c.font.Width), c.y+y, bg)
	}
}
