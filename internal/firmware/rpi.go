//go:build arm64

package firmware

import (
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
)

// RPiMailbox is the minimal surface of the VideoCore mailbox property
// interface the FCL needs: framebuffer allocation and EDID/ARM-memory-split
// queries. A freestanding build backs this with direct MMIO against the
// mailbox registers; here it is an interface so the rest of the package
// doesn't care how the call is actually issued.
type RPiMailbox interface {
	AllocateFramebuffer(width, height, bpp uint32) (*FramebufferInfo, error)
	GetARMMemorySplit() (base, size uint64, err error)
	GetEDID() ([]byte, error)
}

// RPiSDHost is the minimal surface of the SD host controller driver the FCL
// needs for raw sector reads off the boot SD card.
type RPiSDHost interface {
	ReadBlock(lba uint64, buf []byte) error
}

// RPiUART is the PL011 (or mini-UART) console the FCL writes diagnostics to.
type RPiUART interface {
	WriteByte(b byte)
	HasByte() bool
}

// rpiCap implements Capability for Raspberry Pi firmware (the VideoCore
// bootloader/GPU firmware stage that hands control to this core already in
// EL2/EL1 with the MMU off). There is no UEFI-style memory map here: the
// ARM/GPU memory split comes from the mailbox, and everything above the ARM
// base is treated as a single Available region.
type rpiCap struct {
	mbox     RPiMailbox
	sd       RPiSDHost
	uart     RPiUART
	dtbAddr  uint64
	pageBump uint64
	armBase  uint64
	armSize  uint64
	mapCache []bootctx.MemoryMapEntry
}

// NewRPi constructs the Raspberry Pi firmware capability. dtbAddr is the
// physical address of the device tree blob the GPU firmware loaded and
// passed in X0, per the standard Raspberry Pi boot convention.
func NewRPi(mbox RPiMailbox, sd RPiSDHost, uart RPiUART, dtbAddr uint64) (Capability, error) {
	base, size, err := mbox.GetARMMemorySplit()
	if err != nil {
		return nil, fmt.Errorf("%w: ARM memory split query failed: %v", bootctx.ErrFirmwareFallback, err)
	}
	// The bump cursor starts past the fixed 0x80000 Image load address and
	// the window a typical Aarch64 kernel decompresses into, so allocations
	// made before the kernel lands can't be overwritten by it.
	bump := base + (64 << 20)
	if bump >= base+size {
		bump = base + size/2
	}
	return &rpiCap{mbox: mbox, sd: sd, uart: uart, dtbAddr: dtbAddr, pageBump: bump, armBase: base, armSize: size}, nil
}

func (r *rpiCap) Variant() Variant { return VariantRPi }

func (r *rpiCap) SectorRead(lba uint64, buf []byte) error {
	if r.sd == nil {
		return fmt.Errorf("%w: no SD host controller bound", bootctx.ErrIoError)
	}
	if err := r.sd.ReadBlock(lba, buf); err != nil {
		return fmt.Errorf("%w: %v", bootctx.ErrIoError, err)
	}
	return nil
}

func (r *rpiCap) ConsoleWrite(b byte) {
	if r.uart != nil {
		r.uart.WriteByte(b)
	}
}

func (r *rpiCap) FramebufferAcquire(preferredW, preferredH, preferredBPP uint32) (*FramebufferInfo, error) {
	if r.mbox == nil {
		return nil, nil
	}
	fb, err := r.mbox.AllocateFramebuffer(preferredW, preferredH, preferredBPP)
	if err != nil {
		return nil, nil // mailbox framebuffer allocation failing falls back to text-only, not an error
	}
	if fb != nil {
		if edid, err := r.mbox.GetEDID(); err == nil {
			fb.EDID = edid
		}
	}
	return fb, nil
}

func (r *rpiCap) MemoryMap() ([]bootctx.MemoryMapEntry, error) {
	if r.mapCache != nil {
		return r.mapCache, nil
	}
	r.mapCache = []bootctx.MemoryMapEntry{
		{Base: r.armBase, Length: r.armSize, Kind: bootctx.MemoryAvailable},
	}
	return r.mapCache, nil
}

func (r *rpiCap) AllocPage() (uint64, error) {
	if r.pageBump+4096 > r.armBase+r.armSize {
		return 0, bootctx.ErrOutOfMemory
	}
	addr := r.pageBump
	r.pageBump += 4096
	return addr, nil
}

func (r *rpiCap) FreePage(phys uint64) error { return nil }

func (r *rpiCap) DelayMicros(n uint64) {
	// The ARM generic timer (CNTPCT_EL0) would back this in a freestanding
	// build; approximated here with a busy loop consistent with the other
	// variants' non-precise delay.
	spins := n * 1000
	for i := uint64(0); i < spins; i++ {
	}
}

func (r *rpiCap) PollKey() bool {
	return r.uart != nil && r.uart.HasByte()
}

func (r *rpiCap) FindSystemTables() (SystemTables, error) {
	return SystemTables{DTB: r.dtbAddr}, nil
}

func (r *rpiCap) ExitBootServices() error { return nil }
