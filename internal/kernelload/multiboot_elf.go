package kernelload

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
)

// sniffMultibootELF recognizes a Multiboot2 kernel packaged as ELF32/64 for
// x86, x86-64, or Aarch64. The Multiboot2 header itself (searched for
// separately by the caller before Sniff ever runs, since it must appear
// within the first 32 KiB independent of ELF structure) is not reparsed
// here; this function only needs the ELF container to plan PT_LOAD copies.
func sniffMultibootELF(data []byte) (*KernelImage, error) {
	if !bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("missing ELF magic")
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	var arch string
	var mode Mode
	switch f.Machine {
	case elf.EM_386:
		arch, mode = "x86", ModeMB32
	case elf.EM_X86_64:
		arch, mode = "x86", ModeMB64
	case elf.EM_AARCH64:
		arch, mode = "aarch64", ModeMB64
	default:
		return nil, fmt.Errorf("%w: unsupported ELF machine %v", bootctx.ErrUnsupportedKernel, f.Machine)
	}

	var segments []Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		segments = append(segments, Segment{
			Phys:         prog.Paddr,
			Virt:         prog.Vaddr,
			FileSize:     prog.Filesz,
			MemSize:      prog.Memsz,
			SourceOffset: prog.Off,
		})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no PT_LOAD segments in Multiboot2 ELF image", bootctx.ErrUnsupportedKernel)
	}

	return &KernelImage{
		Mode:       mode,
		Arch:       arch,
		EntryPoint: f.Entry,
		Segments:   segments,
	}, nil
}
