// Package kernelload sniffs and loads the four kernel image formats the
// boot core accepts: the Linux/x86 boot protocol, the Linux/Aarch64 Image
// header, and Multiboot2 images packaged as either ELF32/64 or PE32/PE32+.
// Segment-copy semantics and the Linux setup-header field layout are
// grounded on the teacher's internal/linux/boot/amd64 and arm64 packages;
// Multiboot2 ELF/PE parsing is built on the standard library's debug/elf
// and debug/pe, the only practical way to walk those container formats
// without reimplementing a linker from scratch.
package kernelload

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
)

// Mode identifies which handover sequence the loaded kernel expects.
type Mode int

const (
	ModeMB32 Mode = iota
	ModeMB64
	ModeLinux
	ModePE32
)

// Segment is one physically-addressed, possibly larger-than-file region to
// populate: copy SourceOffset:SourceOffset+FileSize from the image into
// physical memory at Phys, then zero the remaining MemSize-FileSize bytes.
type Segment struct {
	Phys         uint64
	Virt         uint64
	FileSize     uint64
	MemSize      uint64
	SourceOffset uint64
}

// KernelImage is the result of format sniffing and segment planning: a
// machine-independent plan the loader executes by copying bytes through the
// Firmware Capability Layer's allocator and the page-map builder for any
// higher-half virtual range.
type KernelImage struct {
	Mode       Mode
	Arch       string // "x86", "aarch64"
	EntryPoint uint64
	Segments   []Segment

	// LinuxHeader is non-nil only for ModeLinux, carrying the fields the
	// zero-page synthesizer needs.
	LinuxHeader *LinuxSetupHeader
}

// Sniff inspects the front of a kernel image and dispatches to the matching
// parser, trying formats in the order the specification mandates: Linux/x86,
// Linux/Aarch64, Multiboot2 ELF, Multiboot2 PE.
func Sniff(data []byte) (*KernelImage, error) {
	if img, err := sniffLinuxX86(data); err == nil {
		return img, nil
	}
	if img, err := sniffLinuxArm64(data); err == nil {
		return img, nil
	}
	if img, err := sniffMultibootELF(data); err == nil {
		return img, nil
	}
	if img, err := sniffMultibootPE(data); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("%w: image matches none of Linux/x86, Linux/Aarch64, Multiboot2 ELF, Multiboot2 PE", bootctx.ErrUnsupportedKernel)
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func hasPrefix(data []byte, off int, prefix []byte) bool {
	if off < 0 || off+len(prefix) > len(data) {
		return false
	}
	return bytes.Equal(data[off:off+len(prefix)], prefix)
}
