package kernelload

import (
	"bytes"
	"debug/pe"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
)

// sniffMultibootPE recognizes a Multiboot2 kernel packaged as PE32/PE32+:
// an "MZ" DOS stub followed by a "PE\0\0" header. Section VirtualAddress
// fields are PE32's natural 32-bit quantities; for PE32+ the specification
// calls for sign-extending that 32-bit field to 64 bits, since a PE32+
// image's preferred load base can legitimately sit above 4 GiB and
// debug/pe reports VirtualAddress as a bare uint32 regardless of format.
func sniffMultibootPE(data []byte) (*KernelImage, error) {
	if len(data) < 2 || data[0] != 'M' || data[1] != 'Z' {
		return nil, fmt.Errorf("missing MZ stub")
	}
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse PE: %w", err)
	}
	defer f.Close()

	var arch string
	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		arch = "x86"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		arch = "x86"
	case pe.IMAGE_FILE_MACHINE_ARM64:
		arch = "aarch64"
	default:
		return nil, fmt.Errorf("%w: unsupported PE machine %#x", bootctx.ErrUnsupportedKernel, f.Machine)
	}

	is64, imageBase, entryRVA, err := peOptionalHeaderFields(f)
	if err != nil {
		return nil, err
	}
	mode := ModeMB32
	if is64 {
		mode = ModeMB64
	}
	if arch == "aarch64" {
		mode = ModeMB64
	}

	var segments []Segment
	for _, sect := range f.Sections {
		if sect.VirtualSize == 0 {
			continue
		}
		vaddr := uint64(sect.VirtualAddress)
		if is64 && vaddr&0x80000000 != 0 {
			// sign-extend the 32-bit field per the PE32+ handling rule
			vaddr |= 0xFFFFFFFF00000000
		}
		phys := imageBase + vaddr
		fileSize := uint64(sect.Size)
		if fileSize > uint64(sect.VirtualSize) {
			fileSize = uint64(sect.VirtualSize)
		}
		segments = append(segments, Segment{
			Phys:         phys,
			Virt:         phys,
			FileSize:     fileSize,
			MemSize:      uint64(sect.VirtualSize),
			SourceOffset: uint64(sect.Offset),
		})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable sections in Multiboot2 PE image", bootctx.ErrUnsupportedKernel)
	}

	entryVaddr := entryRVA
	if is64 && entryVaddr&0x80000000 != 0 {
		entryVaddr |= 0xFFFFFFFF00000000
	}

	return &KernelImage{
		Mode:       mode,
		Arch:       arch,
		EntryPoint: imageBase + entryVaddr,
		Segments:   segments,
	}, nil
}

// peOptionalHeaderFields extracts the ImageBase/AddressOfEntryPoint fields
// common to both OptionalHeader32 and OptionalHeader64, since debug/pe
// exposes them as two distinct concrete struct types rather than a shared
// interface.
func peOptionalHeaderFields(f *pe.File) (is64 bool, imageBase uint64, entryRVA uint64, err error) {
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return false, uint64(oh.ImageBase), uint64(oh.AddressOfEntryPoint), nil
	case *pe.OptionalHeader64:
		return true, oh.ImageBase, uint64(oh.AddressOfEntryPoint), nil
	default:
		return false, 0, 0, fmt.Errorf("%w: PE file has no optional header", bootctx.ErrUnsupportedKernel)
	}
}
