package kernelload

import "fmt"

// Linux/Aarch64 Image header layout (Documentation/arm64/booting.rst):
// a 64-byte header at the start of the file, magic "ARM\x64" at offset
// 0x38. This loader follows the specification's literal magic text rather
// than reimplementing upstream kernel documentation from scratch.
const (
	arm64MagicOffset = 0x38
	arm64LoadAddress = 0x80000
)

var arm64Magic = []byte("ARM\x40")

func sniffLinuxArm64(data []byte) (*KernelImage, error) {
	if len(data) < 2 || data[0] != 'M' || data[1] != 'Z' {
		return nil, fmt.Errorf("missing MZ stub")
	}
	if !hasPrefix(data, arm64MagicOffset, arm64Magic) {
		return nil, fmt.Errorf("missing ARM64 Image magic at offset 0x38")
	}

	// text_offset at +8 selects where in the mapped region the kernel
	// expects its own start; image_size at +16 is the total mapped size
	// including any space the kernel reserves past the raw file length.
	textOffset := uint64(0)
	if len(data) >= 16 {
		textOffset = le64(data[8:16])
	}
	imageSize := uint64(len(data))
	if len(data) >= 24 {
		if sz := le64(data[16:24]); sz > imageSize {
			imageSize = sz
		}
	}

	loadBase := uint64(arm64LoadAddress)
	return &KernelImage{
		Mode:       ModeLinux,
		Arch:       "aarch64",
		EntryPoint: loadBase + textOffset,
		Segments: []Segment{{
			Phys:     loadBase,
			FileSize: uint64(len(data)),
			MemSize:  imageSize,
		}},
	}, nil
}
