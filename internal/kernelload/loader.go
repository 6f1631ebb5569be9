package kernelload

import (
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/pagemap"
)

// PhysWriter is an optional Capability extension giving the kernel loader
// direct physical-memory write access, the same "Capability grows a small
// extension interface instead of adding a method every variant must stub
// out" shape pagemap.tableView uses for table construction. It is
// implemented by fwtest.Disk and by the boot core's directPhysWriter; the
// firmware Capability variants do not implement it.
type PhysWriter interface {
	WritePhys(phys uint64, data []byte) error
	ZeroPhys(phys uint64, size uint64) error
}

// loaderReservedLowTop bounds the low-memory region the loader owns on
// x86: handover words, GDT/IDT scratch, the AP trampoline, and the
// handover stacks all live below 1 MiB. A kernel segment placed there
// would be clobbered before it ever ran. Aarch64 is exempt — its Image
// format loads at the architecturally fixed 0x80000.
const loaderReservedLowTop = 0x100000

// Constraints carries the memory-layout checks Load applies before writing
// a segment. A zero value skips both checks, which only the package's own
// tests rely on; real callers pass the firmware memory map and resolved
// RAM top. The check against loaderReservedLowTop applies to non-aarch64
// images whatever Constraints holds.
type Constraints struct {
	MemoryMap []bootctx.MemoryMapEntry
	RAMTop    uint64
}

// Load copies every segment of img into physical memory, mapping any
// higher-half segment (virtual address above the RAM top, or simply
// different from its physical address when no RAM top is known) into
// mapper. image is the full raw kernel file bytes img.Segments'
// SourceOffset fields index into. A segment that would land in the
// loader's reserved low memory, or whose physical range is not contained
// in a single available memory-map entry, fails with ErrMemoryInUse.
func Load(writer PhysWriter, mapper *pagemap.Builder, img *KernelImage, image []byte, c Constraints) error {
	for _, seg := range img.Segments {
		if img.Arch != "aarch64" && seg.Phys < loaderReservedLowTop {
			return fmt.Errorf("%w: segment at %#x overlaps loader-reserved low memory", bootctx.ErrMemoryInUse, seg.Phys)
		}
		higherHalf := seg.Virt != 0 && seg.Virt != seg.Phys
		if c.RAMTop != 0 {
			higherHalf = seg.Virt > c.RAMTop
		}
		if !higherHalf && len(c.MemoryMap) > 0 {
			entry, ok := bootctx.FindContaining(c.MemoryMap, seg.Phys, seg.MemSize)
			if !ok || entry.Kind != bootctx.MemoryAvailable {
				return fmt.Errorf("%w: segment [%#x, %#x) not inside a single available memory region", bootctx.ErrMemoryInUse, seg.Phys, seg.Phys+seg.MemSize)
			}
		}
		if err := writer.ZeroPhys(seg.Phys, seg.MemSize); err != nil {
			return fmt.Errorf("kernelload: zero segment at %#x: %w", seg.Phys, err)
		}
		if seg.FileSize > 0 {
			end := seg.SourceOffset + seg.FileSize
			if end > uint64(len(image)) {
				return fmt.Errorf("kernelload: segment source range [%#x, %#x) exceeds image size %d", seg.SourceOffset, end, len(image))
			}
			if err := writer.WritePhys(seg.Phys, image[seg.SourceOffset:end]); err != nil {
				return fmt.Errorf("kernelload: write segment at %#x: %w", seg.Phys, err)
			}
		}
		if higherHalf && seg.Virt != seg.Phys && mapper != nil {
			if err := mapper.Map(seg.Phys, seg.Virt, seg.MemSize); err != nil {
				return fmt.Errorf("kernelload: map higher-half segment virt %#x: %w", seg.Virt, err)
			}
		}
	}
	return nil
}
