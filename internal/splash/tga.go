// Package splash decodes the indexed, RLE-compressed TGA boot-splash image
// named by a `bootsplash` config directive, blits it centered onto the
// acquired framebuffer, and renders a progress indicator across the bottom
// two scanlines while the kernel and modules stream in.
package splash

import (
	"encoding/binary"
	"fmt"
)

const (
	tgaImageTypeColorMappedRLE = 9
	tgaColorMapTrue            = 1
)

// Image is a decoded, fully expanded (no longer RLE-compressed) boot-splash
// bitmap in 24-bit BGR, row-major, top-to-bottom.
type Image struct {
	Width  int
	Height int
	Pixels []byte // Width*Height*3 bytes, BGR order per TGA convention
}

// DecodeTGA decodes an indexed, RLE-compressed TGA image (image type 9: a
// color-mapped image, packets RLE-coded). Other TGA flavors are rejected:
// the boot-splash asset pipeline only ever emits type 9, keeping the
// decoder small.
func DecodeTGA(data []byte) (*Image, error) {
	if len(data) < 18 {
		return nil, fmt.Errorf("splash: truncated TGA header")
	}
	idLength := data[0]
	colorMapType := data[1]
	imageType := data[2]
	colorMapOrigin := binary.LittleEndian.Uint16(data[3:5])
	colorMapLength := binary.LittleEndian.Uint16(data[5:7])
	colorMapDepth := data[7]
	width := int(binary.LittleEndian.Uint16(data[12:14]))
	height := int(binary.LittleEndian.Uint16(data[14:16]))
	pixelDepth := data[16]
	descriptor := data[17]

	if imageType != tgaImageTypeColorMappedRLE {
		return nil, fmt.Errorf("splash: unsupported TGA image type %d, want 9 (RLE color-mapped)", imageType)
	}
	if colorMapType != tgaColorMapTrue {
		return nil, fmt.Errorf("splash: TGA has no color map")
	}
	if colorMapDepth != 24 {
		return nil, fmt.Errorf("splash: unsupported color map depth %d, want 24", colorMapDepth)
	}
	if pixelDepth != 8 {
		return nil, fmt.Errorf("splash: unsupported index depth %d, want 8", pixelDepth)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("splash: invalid dimensions %dx%d", width, height)
	}

	off := 18 + int(idLength)
	cmapBytes := int(colorMapLength) * 3
	if off+cmapBytes > len(data) {
		return nil, fmt.Errorf("splash: truncated color map")
	}
	palette := data[off : off+cmapBytes]
	off += cmapBytes
	_ = colorMapOrigin

	pixels := make([]byte, width*height*3)
	pixelCount := width * height
	pixelIdx := 0

	for pixelIdx < pixelCount {
		if off >= len(data) {
			return nil, fmt.Errorf("splash: truncated RLE packet stream")
		}
		packetHeader := data[off]
		off++
		count := int(packetHeader&0x7F) + 1

		if packetHeader&0x80 != 0 {
			if off >= len(data) {
				return nil, fmt.Errorf("splash: truncated RLE packet")
			}
			idx := data[off]
			off++
			bgr := colorFromPalette(palette, idx)
			for i := 0; i < count && pixelIdx < pixelCount; i++ {
				copy(pixels[pixelIdx*3:pixelIdx*3+3], bgr[:])
				pixelIdx++
			}
		} else {
			if off+count > len(data) {
				return nil, fmt.Errorf("splash: truncated raw packet")
			}
			for i := 0; i < count && pixelIdx < pixelCount; i++ {
				idx := data[off+i]
				bgr := colorFromPalette(palette, idx)
				copy(pixels[pixelIdx*3:pixelIdx*3+3], bgr[:])
				pixelIdx++
			}
			off += count
		}
	}

	img := &Image{Width: width, Height: height, Pixels: pixels}
	// TGA descriptor bit 5 set means the origin is top-left already;
	// cleared means bottom-left, the traditional TGA default, which needs
	// flipping to match the top-to-bottom framebuffer convention used
	// everywhere else in the loader.
	if descriptor&0x20 == 0 {
		flipVertical(img)
	}
	return img, nil
}

func colorFromPalette(palette []byte, idx uint8) [3]byte {
	off := int(idx) * 3
	if off+3 > len(palette) {
		return [3]byte{}
	}
	return [3]byte{palette[off], palette[off+1], palette[off+2]}
}

func flipVertical(img *Image) {
	stride := img.Width * 3
	tmp := make([]byte, stride)
	for top, bottom := 0, img.Height-1; top < bottom; top, bottom = top+1, bottom-1 {
		topRow := img.Pixels[top*stride : top*stride+stride]
		bottomRow := img.Pixels[bottom*stride : bottom*stride+stride]
		copy(tmp, topRow)
		copy(topRow, bottomRow)
		copy(bottomRow, tmp)
	}
}
