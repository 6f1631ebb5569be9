package mbi

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/kernelload"
)

// Zero-page field offsets, ported from the Linux/x86 boot protocol layout
// the teacher's internal/linux/boot/amd64 package already encodes (see
// internal/kernelload/linux_x86.go for the matching setup-header reader).
const (
	zeroPageSize = 4096

	setupHeaderOffset = 497

	zeroPageExtRamDiskImage = 192
	zeroPageExtRamDiskSize  = 196
	zeroPageExtCmdLinePtr   = 200
	zeroPageE820Entries     = 488
	zeroPageE820Table       = 720
	zeroPageLFBBase         = 0x80 // struct screen_info embedded at offset 0
	acpiRSDPAddrOffset      = 0x070

	bootFlagOffset        = 510
	headerMagicFieldOffset = 514
	protocolVersionOffset = setupHeaderOffset + 21
	typeOfLoaderOffset    = setupHeaderOffset + 31
	loadFlagsOffset       = setupHeaderOffset + 32
	code32StartOffset     = setupHeaderOffset + 35
	ramdiskImageOffset    = setupHeaderOffset + 39
	ramdiskSizeOffset     = setupHeaderOffset + 43
	heapEndPtrOffset      = setupHeaderOffset + 51
	cmdLinePtrOffset      = setupHeaderOffset + 55

	e820EntrySize  = 20
	e820MaxEntries = 128

	typeOfLoaderUnknown = 0xFF
	canUseHeapFlag      = 1 << 7

	efiLoaderSignatureOffset = 0x1C0
)

// ZeroPageInputs carries everything BuildZeroPage needs beyond the sniffed
// Linux header: command line placement, the loaded module treated as
// initrd, the memory map, and (UEFI only) the system table pointer.
type ZeroPageInputs struct {
	Header        *kernelload.LinuxSetupHeader
	LoadAddr      uint64
	Cmdline       string
	CmdlineAddr   uint64
	InitrdAddr    uint64
	InitrdSize    uint32
	MemoryMap     []bootctx.MemoryMapEntry
	RSDPAddr      uint64
	EFISystemTable uint64 // 0 unless UEFI
	Framebuffer    *ZeroPageFramebuffer
}

// ZeroPageFramebuffer carries the subset of screen_info the zero page
// exposes to the kernel for an early boot console.
type ZeroPageFramebuffer struct {
	Address             uint64
	Pitch, Width, Height uint32
	BPP                  uint8
}

// BuildZeroPage assembles a 4096-byte boot_params page for a sniffed
// Linux/x86 kernel.
func BuildZeroPage(in ZeroPageInputs) ([]byte, error) {
	hdr := in.Header
	zp := make([]byte, zeroPageSize)

	if len(hdr.HeaderBytes) > zeroPageSize-setupHeaderOffset {
		return nil, fmt.Errorf("mbi: setup header larger than zero page space")
	}
	if len(hdr.HeaderBytes) > 0 {
		copy(zp[setupHeaderOffset:], hdr.HeaderBytes)
	}

	binary.LittleEndian.PutUint16(zp[bootFlagOffset:], 0xAA55)
	copy(zp[headerMagicFieldOffset:], []byte("HdrS"))
	binary.LittleEndian.PutUint16(zp[protocolVersionOffset:], hdr.ProtocolVersion)
	zp[loadFlagsOffset] = hdr.LoadFlags
	binary.LittleEndian.PutUint64(zp[setupHeaderOffset+103:], hdr.PrefAddress)
	binary.LittleEndian.PutUint32(zp[setupHeaderOffset+111:], uint32(hdr.InitSize))

	zp[typeOfLoaderOffset] = typeOfLoaderUnknown
	// root_dev and vid_mode both live inside the legacy struct
	// screen_info/boot_sect_header region the specification calls out
	// explicitly: root_dev=0x100 ("/dev/ram0" placeholder, unused by a
	// kernel booted via initrd), vid_mode=0xFFFD (VIDEO_TYPE_EFI marker).
	binary.LittleEndian.PutUint16(zp[0x1FC:], 0x0100)
	binary.LittleEndian.PutUint16(zp[0x1FA:], 0xFFFD)

	loadFlags := zp[loadFlagsOffset] | canUseHeapFlag
	zp[loadFlagsOffset] = loadFlags
	heapEnd := uint16(0x9800)
	if loadFlags&0x1 != 0 {
		heapEnd = 0xE000
	}
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	if in.LoadAddr > 0xFFFFFFFF {
		return nil, fmt.Errorf("mbi: load address %#x exceeds 32-bit range", in.LoadAddr)
	}
	binary.LittleEndian.PutUint32(zp[code32StartOffset:], uint32(in.LoadAddr))

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(in.CmdlineAddr))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(in.CmdlineAddr>>32))

	if in.InitrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(in.InitrdAddr))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], in.InitrdSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskImage:], uint32(in.InitrdAddr>>32))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskSize:], uint32(uint64(in.InitrdSize)>>32))
	}

	if len(in.MemoryMap) == 0 {
		return nil, fmt.Errorf("mbi: memory map must contain at least one entry")
	}
	entries := in.MemoryMap
	if len(entries) > e820MaxEntries {
		entries = entries[:e820MaxEntries]
	}
	zp[zeroPageE820Entries] = byte(len(entries))
	for idx, ent := range entries {
		base := zeroPageE820Table + idx*e820EntrySize
		if base+e820EntrySize > zeroPageSize {
			break
		}
		binary.LittleEndian.PutUint64(zp[base:], ent.Base)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Length)
		binary.LittleEndian.PutUint32(zp[base+16:], e820Type(ent.Kind))
	}

	binary.LittleEndian.PutUint64(zp[acpiRSDPAddrOffset:], in.RSDPAddr)

	if in.Framebuffer != nil {
		fb := in.Framebuffer
		binary.LittleEndian.PutUint64(zp[zeroPageLFBBase:], fb.Address)
		binary.LittleEndian.PutUint32(zp[zeroPageLFBBase+8:], fb.Pitch)
		binary.LittleEndian.PutUint32(zp[zeroPageLFBBase+12:], fb.Width)
		binary.LittleEndian.PutUint32(zp[zeroPageLFBBase+16:], fb.Height)
		zp[zeroPageLFBBase+20] = fb.BPP
	}

	if in.EFISystemTable != 0 {
		copy(zp[efiLoaderSignatureOffset:], []byte("EL64"))
		binary.LittleEndian.PutUint64(zp[efiLoaderSignatureOffset+4:], in.EFISystemTable)
	}

	return zp, nil
}

func e820Type(kind bootctx.MemoryKind) uint32 {
	switch kind {
	case bootctx.MemoryAvailable:
		return 1
	case bootctx.MemoryAcpiReclaimable:
		return 3
	case bootctx.MemoryAcpiNvs:
		return 4
	case bootctx.MemoryBadRam:
		return 5
	default:
		return 2
	}
}
