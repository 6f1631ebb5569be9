//go:build amd64

package firmware

import (
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/firmware/ioport"
)

// CorebootTables is the subset of the coreboot table (cb_header + records)
// the FCL needs, already parsed by the caller from the physical pointer
// coreboot leaves in low memory (conventionally scanned in 0x00000-0x1000
// and 0xf0000-0x100000). Parsing the raw table walk is payload-construction
// plumbing, not firmware-capability plumbing, so it happens before this type
// is built, the same division of labor as biosCap taking a pre-collected
// E820 table instead of calling INT 15h itself.
type CorebootTables struct {
	MemoryMap  []bootctx.MemoryMapEntry
	Framebuffer *FramebufferInfo // from CB_TAG_FRAMEBUFFER, nil if text-only
	CBMEMRoot  uint64
}

// corebootCap implements Capability for coreboot payloads. coreboot leaves
// the boot drive behind its own abstraction (CBFS, not an INT13h disk), so
// SectorRead here reads out of a CBFS-backed byte stream rather than a real
// disk controller; ATA-PIO is retained as a fallback for the common case of
// a coreboot build that still exposes a SATA/AHCI-in-IDE-compat disk.
type corebootCap struct {
	tables   CorebootTables
	cbfsRead func(lba uint64, buf []byte) error
	pageBump uint64
	cursor   int
}

// NewCoreboot constructs the coreboot firmware capability. cbfsRead may be
// nil, in which case SectorRead falls back to legacy ATA-PIO identical to
// the BIOS variant's.
func NewCoreboot(tables CorebootTables, cbfsRead func(lba uint64, buf []byte) error) Capability {
	return &corebootCap{tables: tables, cbfsRead: cbfsRead, pageBump: 1 << 20}
}

func (c *corebootCap) Variant() Variant { return VariantCoreboot }

func (c *corebootCap) SectorRead(lba uint64, buf []byte) error {
	if c.cbfsRead != nil {
		if err := c.cbfsRead(lba, buf); err != nil {
			return fmt.Errorf("%w: %v", bootctx.ErrIoError, err)
		}
		return nil
	}
	return ataPIORead(lba, buf)
}

// ataPIORead is shared with biosCap.SectorRead's device protocol; coreboot
// payloads on x86 still run with I/O-privileged CS, so the same port I/O
// works when no CBFS stream is configured.
func ataPIORead(lba uint64, buf []byte) error {
	if len(buf) < 512 {
		return fmt.Errorf("%w: buffer smaller than one sector", bootctx.ErrIoError)
	}
	ioport.Out8(ataDrivePort, 0xE0|uint8((lba>>24)&0x0F))
	ioport.Out8(ataSecCntPort, 1)
	ioport.Out8(ataLBALowPort, uint8(lba))
	ioport.Out8(ataLBAMidPort, uint8(lba>>8))
	ioport.Out8(ataLBAHighPort, uint8(lba>>16))
	ioport.Out8(ataCmdPort, ataCmdReadSectors)

	spins := 0
	for {
		status := ioport.In8(ataStatusPort)
		if status&ataStatusError != 0 {
			return fmt.Errorf("%w: ATA status error reading sector %d", bootctx.ErrIoError, lba)
		}
		if status&ataStatusBusy == 0 && status&ataStatusDRQ != 0 {
			break
		}
		spins++
		if spins > ataSpinLimit {
			return fmt.Errorf("%w: ATA-PIO spin limit exceeded reading sector %d", bootctx.ErrIoError, lba)
		}
	}
	for i := 0; i < 256; i++ {
		word := ioport.In16(ataDataPort)
		buf[i*2] = uint8(word)
		buf[i*2+1] = uint8(word >> 8)
	}
	return nil
}

func (c *corebootCap) ConsoleWrite(b byte) {
	for ioport.In8(serialCOM1+5)&0x20 == 0 {
	}
	ioport.Out8(serialCOM1, b)
}

func (c *corebootCap) FramebufferAcquire(preferredW, preferredH, preferredBPP uint32) (*FramebufferInfo, error) {
	if c.tables.Framebuffer == nil {
		return nil, nil
	}
	fb := c.tables.Framebuffer
	if fb.Width > preferredW || fb.Height > preferredH {
		return nil, nil
	}
	return fb, nil
}

func (c *corebootCap) MemoryMap() ([]bootctx.MemoryMapEntry, error) {
	return c.tables.MemoryMap, nil
}

func (c *corebootCap) AllocPage() (uint64, error) {
	top := bootctx.TopOfRAM(c.tables.MemoryMap)
	if top != 0 && c.pageBump+4096 > top {
		return 0, bootctx.ErrOutOfMemory
	}
	addr := c.pageBump
	c.pageBump += 4096
	return addr, nil
}

func (c *corebootCap) FreePage(phys uint64) error { return nil }

func (c *corebootCap) DelayMicros(n uint64) {
	spins := n * 1000
	for i := uint64(0); i < spins; i++ {
	}
}

func (c *corebootCap) PollKey() bool {
	return ioport.In8(ps2StatusReg)&ps2OutputFul != 0
}

func (c *corebootCap) FindSystemTables() (SystemTables, error) {
	// Always reports RSDP and DTB as zero: the CB_TAG_ACPI_RSDP pointer
	// coreboot may forward is not read here. The boot core treats a zero
	// RSDP as "no ACPI tables" and skips the steps that need them.
	return SystemTables{RSDP: 0, DTB: 0}, nil
}

func (c *corebootCap) ExitBootServices() error { return nil }
