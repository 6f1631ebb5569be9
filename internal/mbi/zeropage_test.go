package mbi

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/kernelload"
)

func TestBuildZeroPage(t *testing.T) {
	in := ZeroPageInputs{
		Header: &kernelload.LinuxSetupHeader{
			ProtocolVersion: 0x20C,
			LoadFlags:       0x01,
			PrefAddress:     0x1000000,
			InitSize:        0x400000,
		},
		LoadAddr:    0x1000000,
		CmdlineAddr: 0x20000,
		InitrdAddr:  0x3000000,
		InitrdSize:  0x100000,
		MemoryMap: []bootctx.MemoryMapEntry{
			{Base: 0, Length: 0x9F000, Kind: bootctx.MemoryAvailable},
			{Base: 0x100000, Length: 0x1000000, Kind: bootctx.MemoryAcpiReclaimable},
		},
		RSDPAddr: 0xDEAD0000,
	}

	zp, err := BuildZeroPage(in)
	if err != nil {
		t.Fatalf("BuildZeroPage: %v", err)
	}
	if len(zp) != zeroPageSize {
		t.Fatalf("len(zp) = %d, want %d", len(zp), zeroPageSize)
	}
	if binary.LittleEndian.Uint16(zp[bootFlagOffset:]) != 0xAA55 {
		t.Errorf("boot_flag not set")
	}
	if string(zp[headerMagicFieldOffset:headerMagicFieldOffset+4]) != "HdrS" {
		t.Errorf("HdrS magic not set")
	}
	if got := binary.LittleEndian.Uint32(zp[code32StartOffset:]); got != uint32(in.LoadAddr) {
		t.Errorf("code32_start = %#x, want %#x", got, in.LoadAddr)
	}
	if got := binary.LittleEndian.Uint32(zp[ramdiskImageOffset:]); got != uint32(in.InitrdAddr) {
		t.Errorf("ramdisk_image = %#x, want %#x", got, in.InitrdAddr)
	}
	if got := binary.LittleEndian.Uint32(zp[ramdiskSizeOffset:]); got != in.InitrdSize {
		t.Errorf("ramdisk_size = %#x, want %#x", got, in.InitrdSize)
	}
	if zp[zeroPageE820Entries] != 2 {
		t.Fatalf("e820 entry count = %d, want 2", zp[zeroPageE820Entries])
	}
	e1base := zeroPageE820Table + e820EntrySize
	if got := binary.LittleEndian.Uint64(zp[e1base:]); got != 0x100000 {
		t.Errorf("e820[1].base = %#x, want 0x100000", got)
	}
	if got := binary.LittleEndian.Uint32(zp[e1base+16:]); got != 3 {
		t.Errorf("e820[1].type = %d, want 3 (ACPI reclaimable)", got)
	}
	if got := binary.LittleEndian.Uint64(zp[acpiRSDPAddrOffset:]); got != in.RSDPAddr {
		t.Errorf("acpi_rsdp_addr = %#x, want %#x", got, in.RSDPAddr)
	}
	if zp[typeOfLoaderOffset] != typeOfLoaderUnknown {
		t.Errorf("type_of_loader = %#x, want %#x", zp[typeOfLoaderOffset], typeOfLoaderUnknown)
	}
}

func TestBuildZeroPageRequiresMemoryMap(t *testing.T) {
	in := ZeroPageInputs{Header: &kernelload.LinuxSetupHeader{PrefAddress: 0x100000}}
	if _, err := BuildZeroPage(in); err == nil {
		t.Fatalf("BuildZeroPage accepted an empty memory map")
	}
}

func TestBuildZeroPageRejectsHighLoadAddr(t *testing.T) {
	in := ZeroPageInputs{
		Header:    &kernelload.LinuxSetupHeader{PrefAddress: 0x100000},
		LoadAddr:  0x100000000,
		MemoryMap: []bootctx.MemoryMapEntry{{Base: 0, Length: 0x1000, Kind: bootctx.MemoryAvailable}},
	}
	if _, err := BuildZeroPage(in); err == nil {
		t.Fatalf("BuildZeroPage accepted a 64-bit load address")
	}
}
