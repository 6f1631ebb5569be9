package bootctx

// MemoryKind classifies a firmware memory-map entry. Shared by every package
// that walks or consumes firmware.Capability.MemoryMap (kernelload, pagemap,
// mbi) so they agree on one vocabulary instead of redeclaring it.
type MemoryKind uint8

const (
	MemoryAvailable MemoryKind = iota
	MemoryReserved
	MemoryAcpiReclaimable
	MemoryAcpiNvs
	MemoryBadRam
)

func (k MemoryKind) String() string {
	switch k {
	case MemoryAvailable:
		return "available"
	case MemoryReserved:
		return "reserved"
	case MemoryAcpiReclaimable:
		return "acpi-reclaimable"
	case MemoryAcpiNvs:
		return "acpi-nvs"
	case MemoryBadRam:
		return "bad-ram"
	default:
		return "unknown"
	}
}

// MemoryMapEntry is one row of the firmware-reported memory map, sorted by
// Base. FirmwareTag carries the raw firmware-specific type code (E820 type,
// UEFI EFI_MEMORY_TYPE, ...) for diagnostics only; Kind is what the rest of
// the pipeline branches on.
type MemoryMapEntry struct {
	Base        uint64
	Length      uint64
	Kind        MemoryKind
	FirmwareTag uint32
}

// End returns the exclusive end address of the entry.
func (e MemoryMapEntry) End() uint64 { return e.Base + e.Length }

// TopOfRAM returns the largest Base+Length over Available entries, rounded
// down to a 2 MiB boundary, per the firmware capability layer contract.
func TopOfRAM(entries []MemoryMapEntry) uint64 {
	const twoMiB = 2 * 1024 * 1024
	var top uint64
	for _, e := range entries {
		if e.Kind != MemoryAvailable {
			continue
		}
		if end := e.End(); end > top {
			top = end
		}
	}
	return top &^ (twoMiB - 1)
}

// FindContaining returns the entry containing [addr, addr+size), if any.
func FindContaining(entries []MemoryMapEntry, addr, size uint64) (MemoryMapEntry, bool) {
	end := addr + size
	for _, e := range entries {
		if addr >= e.Base && end <= e.End() {
			return e, true
		}
	}
	return MemoryMapEntry{}, false
}
