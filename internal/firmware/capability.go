// Package firmware implements the Firmware Capability Layer (FCL): one
// uniform interface for sector I/O, console output, framebuffer acquisition,
// memory-map enumeration, page allocation, timed delay, key polling, and
// system-table discovery across the four supported firmware variants.
//
// The rest of the boot core is written against the Capability interface and
// never branches on which variant is running; variant selection happens once
// at entry (see cmd/simpleboot-core), the way the teacher's hv package lets
// the rest of internal/linux/boot stay agnostic of which hypervisor backend
// (KVM/HVF/WHP) is in use (internal/hv/common.go).
package firmware

import (
	"context"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
)

// Variant identifies which of the four firmware environments Capability is
// bound to. Nothing outside of variant selection at entry should switch on
// this; it exists for diagnostics and for the handful of spec-mandated
// behaviors that are genuinely variant-specific (exit_boot_services is
// UEFI-only, for instance).
type Variant string

const (
	VariantUEFI     Variant = "uefi"
	VariantBIOS     Variant = "bios"
	VariantCoreboot Variant = "coreboot"
	VariantRPi      Variant = "rpi"
)

// FramebufferInfo describes an acquired display mode.
type FramebufferInfo struct {
	Address       uint64
	Pitch         uint32
	Width         uint32
	Height        uint32
	BPP           uint8
	RedMaskSize   uint8
	RedFieldPos   uint8
	GreenMaskSize uint8
	GreenFieldPos uint8
	BlueMaskSize  uint8
	BlueFieldPos  uint8
	EDID          []byte // raw EDID block, if the firmware exposes one
}

// SystemTables carries the optional firmware-discovered description tables.
type SystemTables struct {
	RSDP          uint64 // 0 if absent
	SMBIOSEntry   uint64
	SMBIOSMajor   uint8
	SMBIOSMinor   uint8
	DTB           uint64 // flattened device tree, RPi/coreboot-arm only
	EFISystemTable uint64 // UEFI only
	EFIImageHandle uint64 // UEFI only
}

// HasRSDP reports whether an ACPI root pointer was found.
func (t SystemTables) HasRSDP() bool { return t.RSDP != 0 }

// Capability is the uniform interface the rest of the boot core is written
// against. Every method corresponds 1:1 to an operation in the firmware
// capability layer design.
type Capability interface {
	Variant() Variant

	// SectorRead reads exactly 512 bytes from sector lba into buf. buf must
	// be at least 512 bytes. Returns bootctx.ErrIoError on device timeout.
	SectorRead(lba uint64, buf []byte) error

	// ConsoleWrite fans a single byte out to every configured console sink.
	ConsoleWrite(b byte)

	// FramebufferAcquire finds the largest supported mode at or below the
	// preferred dimensions. Returns (nil, nil) if no mode could be acquired
	// — that is not an error, the caller falls back to text-only output.
	FramebufferAcquire(preferredW, preferredH, preferredBPP uint32) (*FramebufferInfo, error)

	// MemoryMap returns the firmware memory map, sorted by Base.
	MemoryMap() ([]bootctx.MemoryMapEntry, error)

	// AllocPage returns the physical address of a freshly zeroed 4 KiB page.
	AllocPage() (uint64, error)

	// FreePage releases a page previously returned by AllocPage. On BIOS,
	// coreboot and RPi this is a no-op (the bump allocator never reclaims);
	// on UEFI it returns the page through the FreePages boot service.
	FreePage(phys uint64) error

	// DelayMicros busy-waits for at least n microseconds.
	DelayMicros(n uint64)

	// PollKey reports whether a keystroke is available without blocking.
	PollKey() bool

	// FindSystemTables searches firmware-specific locations for RSDP,
	// SMBIOS, and DTB pointers.
	FindSystemTables() (SystemTables, error)

	// ExitBootServices freezes the memory map after which no further
	// firmware calls are permitted. UEFI only; other variants no-op.
	ExitBootServices() error
}

// ReadSectors reads count contiguous 512-byte sectors starting at lba into
// buf, which must be at least count*512 bytes. This is the one helper built
// on top of Capability that every consumer (FAT32 reader, kernel loader)
// needs, so it lives here instead of being copy-pasted per caller.
func ReadSectors(ctx context.Context, cap Capability, lba uint64, count int, buf []byte) error {
	const sectorSize = 512
	if len(buf) < count*sectorSize {
		return fmt.Errorf("firmware: buffer too small for %d sectors", count)
	}
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cap.SectorRead(lba+uint64(i), buf[i*sectorSize:(i+1)*sectorSize]); err != nil {
			return fmt.Errorf("read sector %d: %w", lba+uint64(i), err)
		}
	}
	return nil
}
