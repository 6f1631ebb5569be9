package splash

import "github.com/tinyrange/simpleboot/internal/firmware"

// Framebuffer is the minimal linear-framebuffer write surface the renderer
// needs, backed by the physical address and pitch the Firmware Capability
// Layer reported for the acquired mode.
type Framebuffer struct {
	fb   *firmware.FramebufferInfo
	base []byte // raw MMIO-backed bytes, length >= Pitch*Height
}

// NewFramebuffer wraps an acquired mode and its backing byte slice.
func NewFramebuffer(fb *firmware.FramebufferInfo, base []byte) *Framebuffer {
	return &Framebuffer{fb: fb, base: base}
}

// bytesPerPixel reports how many bytes one pixel occupies, derived from the
// reported bit depth; only 24/32-bit modes are supported, matching every
// GOP/VBE/mailbox mode this loader ever negotiates.
func (f *Framebuffer) bytesPerPixel() int {
	if f.fb.BPP <= 24 {
		return 3
	}
	return 4
}

func (f *Framebuffer) setPixel(x, y int, bgr [3]byte) {
	if x < 0 || y < 0 || uint32(x) >= f.fb.Width || uint32(y) >= f.fb.Height {
		return
	}
	bpp := f.bytesPerPixel()
	off := y*int(f.fb.Pitch) + x*bpp
	if off+bpp > len(f.base) {
		return
	}
	switch bpp {
	case 3:
		f.base[off], f.base[off+1], f.base[off+2] = bgr[0], bgr[1], bgr[2]
	case 4:
		f.base[off], f.base[off+1], f.base[off+2], f.base[off+3] = bgr[0], bgr[1], bgr[2], 0
	}
}

// Fill paints the entire framebuffer with a solid 0xRRGGBB background color,
// used for the `bootsplash [#RRGGBB]` screen-background directive.
func (f *Framebuffer) Fill(rgb uint32) {
	bgr := [3]byte{byte(rgb), byte(rgb >> 8), byte(rgb >> 16)}
	for y := 0; y < int(f.fb.Height); y++ {
		for x := 0; x < int(f.fb.Width); x++ {
			f.setPixel(x, y, bgr)
		}
	}
}

// BlitCentered draws img centered on the framebuffer. An image larger than
// the framebuffer in either dimension is clipped, not scaled.
func (f *Framebuffer) BlitCentered(img *Image) {
	originX := (int(f.fb.Width) - img.Width) / 2
	originY := (int(f.fb.Height) - img.Height) / 2
	for y := 0; y < img.Height; y++ {
		row := img.Pixels[y*img.Width*3 : (y+1)*img.Width*3]
		for x := 0; x < img.Width; x++ {
			var bgr [3]byte
			copy(bgr[:], row[x*3:x*3+3])
			f.setPixel(originX+x, originY+y, bgr)
		}
	}
}

// progressRows is how many scanlines at the bottom of the screen the
// progress indicator occupies.
const progressRows = 2

// DrawProgress renders a horizontal bar across the bottom two scanlines,
// filled left-to-right proportional to fraction (0.0..1.0).
func (f *Framebuffer) DrawProgress(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	width := int(f.fb.Width)
	height := int(f.fb.Height)
	filled := int(fraction * float64(width))

	barGreen := [3]byte{0x00, 0xC0, 0x00}
	barGray := [3]byte{0x30, 0x30, 0x30}

	for row := height - progressRows; row < height; row++ {
		for x := 0; x < width; x++ {
			if x < filled {
				f.setPixel(x, row, barGreen)
			} else {
				f.setPixel(x, row, barGray)
			}
		}
	}
}
