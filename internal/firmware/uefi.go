//go:build amd64 || arm64

package firmware

import (
	"fmt"
	"sort"

	"github.com/tinyrange/simpleboot/internal/bootctx"
)

// EFIBlockIO is the minimal surface of EFI_BLOCK_IO_PROTOCOL the loader
// needs. A freestanding build binds this to the firmware's own protocol
// table; this interface lets the rest of the package stay independent of
// that binding's calling convention.
type EFIBlockIO interface {
	ReadBlocks(lba uint64, buf []byte) error
	BlockSize() uint32
}

// EFIGraphicsOutput is the minimal surface of EFI_GRAPHICS_OUTPUT_PROTOCOL.
type EFIGraphicsOutput interface {
	CurrentMode() (width, height, pitch uint32, fbBase uint64, ok bool)
	SetMode(preferredW, preferredH uint32) (width, height, pitch uint32, fbBase uint64, ok bool)
}

// EFIConsole is the minimal surface of EFI_SIMPLE_TEXT_OUTPUT_PROTOCOL plus
// EFI_SIMPLE_TEXT_INPUT_PROTOCOL polling.
type EFIConsole interface {
	WriteByte(b byte)
	HasKey() bool
}

// EFIBootServices is the subset of EFI Boot Services the FCL needs:
// AllocatePages/FreePages/GetMemoryMap/ExitBootServices.
type EFIBootServices interface {
	AllocatePages(count int) (uint64, error)
	FreePages(phys uint64, count int) error
	GetMemoryMap() ([]bootctx.MemoryMapEntry, error)
	ExitBootServices() error
	Stall(micros uint64)
}

// uefiCap implements Capability on top of the firmware's own UEFI protocol
// instances, discovered once at entry and handed in here — the same
// construction-time-injection shape as the teacher's hv backends, which
// take an already-opened device handle rather than opening one themselves.
type uefiCap struct {
	blockIO   EFIBlockIO
	gop       EFIGraphicsOutput
	console   EFIConsole
	bootSvc   EFIBootServices
	sysTables SystemTables
	exited    bool
}

// NewUEFI constructs the UEFI firmware capability from already-located
// protocol instances and the system table pointers read out of the UEFI
// System Table's configuration table array.
func NewUEFI(blockIO EFIBlockIO, gop EFIGraphicsOutput, console EFIConsole, bootSvc EFIBootServices, tables SystemTables) Capability {
	return &uefiCap{blockIO: blockIO, gop: gop, console: console, bootSvc: bootSvc, sysTables: tables}
}

func (u *uefiCap) Variant() Variant { return VariantUEFI }

func (u *uefiCap) SectorRead(lba uint64, buf []byte) error {
	if u.blockIO == nil {
		return fmt.Errorf("%w: no block I/O protocol bound", bootctx.ErrIoError)
	}
	if err := u.blockIO.ReadBlocks(lba, buf); err != nil {
		return fmt.Errorf("%w: %v", bootctx.ErrIoError, err)
	}
	return nil
}

func (u *uefiCap) ConsoleWrite(b byte) {
	if u.console != nil {
		u.console.WriteByte(b)
	}
}

func (u *uefiCap) FramebufferAcquire(preferredW, preferredH, preferredBPP uint32) (*FramebufferInfo, error) {
	if u.gop == nil {
		return nil, nil
	}
	w, h, pitch, base, ok := u.gop.SetMode(preferredW, preferredH)
	if !ok {
		w, h, pitch, base, ok = u.gop.CurrentMode()
	}
	if !ok {
		return nil, nil
	}
	return &FramebufferInfo{
		Address:       base,
		Pitch:         pitch,
		Width:         w,
		Height:        h,
		BPP:           32,
		RedMaskSize:   8,
		RedFieldPos:   16,
		GreenMaskSize: 8,
		GreenFieldPos: 8,
		BlueMaskSize:  8,
		BlueFieldPos:  0,
	}, nil
}

func (u *uefiCap) MemoryMap() ([]bootctx.MemoryMapEntry, error) {
	if u.exited {
		return nil, fmt.Errorf("firmware: memory map unavailable after exit_boot_services")
	}
	entries, err := u.bootSvc.GetMemoryMap()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bootctx.ErrIoError, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Base < entries[j].Base })
	return entries, nil
}

func (u *uefiCap) AllocPage() (uint64, error) {
	if u.exited {
		return 0, fmt.Errorf("firmware: AllocatePages unavailable after exit_boot_services")
	}
	phys, err := u.bootSvc.AllocatePages(1)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", bootctx.ErrOutOfMemory, err)
	}
	return phys, nil
}

func (u *uefiCap) FreePage(phys uint64) error {
	if u.exited {
		return nil
	}
	return u.bootSvc.FreePages(phys, 1)
}

func (u *uefiCap) DelayMicros(n uint64) {
	if u.bootSvc != nil && !u.exited {
		u.bootSvc.Stall(n)
	}
}

func (u *uefiCap) PollKey() bool {
	return u.console != nil && u.console.HasKey()
}

func (u *uefiCap) FindSystemTables() (SystemTables, error) {
	return u.sysTables, nil
}

// ExitBootServices freezes the memory map. After this call MemoryMap,
// AllocPage, FreePage, and DelayMicros all become unusable; the caller must
// have already captured the final memory map and allocated every page the
// MBI/ZeroPage synthesizer needs.
func (u *uefiCap) ExitBootServices() error {
	if u.exited {
		return nil
	}
	if err := u.bootSvc.ExitBootServices(); err != nil {
		return fmt.Errorf("firmware: exit boot services: %w", err)
	}
	u.exited = true
	return nil
}
