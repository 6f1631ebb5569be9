package kernelload

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/firmware/fwtest"
)

// buildELF64 assembles a minimal valid ELF64 executable with one PT_LOAD
// segment, just enough for debug/elf.NewFile to parse successfully.
func buildELF64(t *testing.T, machine elf.Machine, entry uint64, vaddr, paddr uint64, payload []byte) []byte {
	t.Helper()
	const ehsize = 64
	const phentsize = 56
	fileOff := uint64(ehsize + phentsize)

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC)) // e_type
	binary.Write(&buf, binary.LittleEndian, uint16(machine))     // e_machine
	binary.Write(&buf, binary.LittleEndian, uint32(1))           // e_version
	binary.Write(&buf, binary.LittleEndian, entry)                // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize))       // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))            // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))            // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))       // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phentsize))    // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))            // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))            // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))            // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))            // e_shstrndx

	if buf.Len() != ehsize {
		t.Fatalf("ELF header is %d bytes, want %d", buf.Len(), ehsize)
	}

	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD)) // p_type
	binary.Write(&buf, binary.LittleEndian, uint32(5))           // p_flags (R+X)
	binary.Write(&buf, binary.LittleEndian, fileOff)             // p_offset
	binary.Write(&buf, binary.LittleEndian, vaddr)                // p_vaddr
	binary.Write(&buf, binary.LittleEndian, paddr)                // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload))) // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload))) // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))       // p_align

	if uint64(buf.Len()) != fileOff {
		t.Fatalf("program header ends at %d, want payload at %d", buf.Len(), fileOff)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func TestSniffMultibootELF64(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	data := buildELF64(t, elf.EM_X86_64, 0x100000, 0x100000, 0x100000, payload)

	img, err := Sniff(data)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if img.Mode != ModeMB64 {
		t.Fatalf("Mode = %v, want ModeMB64", img.Mode)
	}
	if img.Arch != "x86" {
		t.Fatalf("Arch = %q, want x86", img.Arch)
	}
	if img.EntryPoint != 0x100000 {
		t.Fatalf("EntryPoint = %#x, want 0x100000", img.EntryPoint)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.Phys != 0x100000 || seg.FileSize != uint64(len(payload)) || seg.MemSize != uint64(len(payload)) {
		t.Fatalf("segment = %+v, unexpected", seg)
	}
}

func TestSniffMultibootELF32(t *testing.T) {
	data := buildELF32(t, elf.EM_386, 0x100000, 0x100000, 0x100000, []byte{1, 2, 3, 4})
	img, err := Sniff(data)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if img.Mode != ModeMB32 {
		t.Fatalf("Mode = %v, want ModeMB32", img.Mode)
	}
}

// buildELF32 assembles a minimal valid ELF32 executable with one PT_LOAD
// segment.
func buildELF32(t *testing.T, machine elf.Machine, entry, vaddr, paddr uint32, payload []byte) []byte {
	t.Helper()
	const ehsize = 52
	const phentsize = 32
	fileOff := uint32(ehsize + phentsize)

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 1 /* ELFCLASS32 */, 1, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(machine))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint32(ehsize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phentsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, fileOff) // p_offset
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, paddr)
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload))) // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload))) // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint32(5))            // p_flags
	binary.Write(&buf, binary.LittleEndian, uint32(0x1000))       // p_align

	buf.Write(payload)
	return buf.Bytes()
}

func buildLinuxX86(t *testing.T, setupSects byte, prefAddress uint64, extra int) []byte {
	t.Helper()
	size := initSizeOffset + 4 + extra
	data := make([]byte, size)
	binary.LittleEndian.PutUint16(data[bootFlagOffset:], 0xAA55)
	copy(data[headerMagicFieldOff:], []byte("HdrS"))
	binary.LittleEndian.PutUint16(data[protocolVersionOffset:], 0x20C)
	data[setupSectsOffset] = setupSects
	data[loadFlagsOffset] = loadFlagLoadHigh
	binary.LittleEndian.PutUint64(data[prefAddressOffset:], prefAddress)
	binary.LittleEndian.PutUint32(data[initSizeOffset:], 0x400000)
	return data
}

func TestSniffLinuxX86(t *testing.T) {
	const setupSects = 1
	const prefAddress = 0x100000
	data := buildLinuxX86(t, setupSects, prefAddress, 1024)

	img, err := Sniff(data)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if img.Mode != ModeLinux || img.Arch != "x86" {
		t.Fatalf("Mode/Arch = %v/%s, want ModeLinux/x86", img.Mode, img.Arch)
	}
	if img.LinuxHeader == nil {
		t.Fatalf("LinuxHeader is nil")
	}
	wantOffset := uint64(setupSects+1) * 512
	if len(img.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.Phys != prefAddress {
		t.Fatalf("seg.Phys = %#x, want %#x", seg.Phys, prefAddress)
	}
	if seg.SourceOffset != wantOffset {
		t.Fatalf("seg.SourceOffset = %#x, want %#x", seg.SourceOffset, wantOffset)
	}
	if img.EntryPoint != prefAddress+512 {
		t.Fatalf("EntryPoint = %#x, want %#x", img.EntryPoint, prefAddress+512)
	}
}

func TestSniffLinuxX86RejectsOldProtocol(t *testing.T) {
	data := buildLinuxX86(t, 1, 0x100000, 64)
	binary.LittleEndian.PutUint16(data[protocolVersionOffset:], 0x200)
	if _, err := sniffLinuxX86(data); err == nil {
		t.Fatalf("sniffLinuxX86 accepted protocol version below minimum")
	}
}

func buildArm64Image(t *testing.T, textOffset, imageSize uint64, fileLen int) []byte {
	t.Helper()
	data := make([]byte, fileLen)
	data[0], data[1] = 'M', 'Z'
	copy(data[arm64MagicOffset:], arm64Magic)
	binary.LittleEndian.PutUint64(data[8:], textOffset)
	binary.LittleEndian.PutUint64(data[16:], imageSize)
	return data
}

func TestSniffLinuxArm64(t *testing.T) {
	data := buildArm64Image(t, 0x80, 0x2000000, 256)
	img, err := Sniff(data)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if img.Mode != ModeLinux || img.Arch != "aarch64" {
		t.Fatalf("Mode/Arch = %v/%s, want ModeLinux/aarch64", img.Mode, img.Arch)
	}
	if img.EntryPoint != arm64LoadAddress+0x80 {
		t.Fatalf("EntryPoint = %#x, want %#x", img.EntryPoint, arm64LoadAddress+0x80)
	}
	if img.Segments[0].MemSize != 0x2000000 {
		t.Fatalf("MemSize = %#x, want 0x2000000", img.Segments[0].MemSize)
	}
}

// buildPE64 assembles a minimal PE32+ image with one section, enough for
// debug/pe.NewFile to parse.
func buildPE64(t *testing.T, machine uint16, imageBase uint64, entryRVA uint32, sectionVaddr uint32) []byte {
	t.Helper()
	const peOffset = 128
	const fileHeaderSize = 20
	const optHeaderSize = 240
	const sectionHeaderSize = 40

	dos := make([]byte, peOffset)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3C:], peOffset)

	var buf bytes.Buffer
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	fh := pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     1,
		SizeOfOptionalHeader: optHeaderSize,
	}
	binary.Write(&buf, binary.LittleEndian, fh)

	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		AddressOfEntryPoint: entryRVA,
		ImageBase:           imageBase,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         0x3000,
		SizeOfHeaders:       uint32(peOffset + 4 + fileHeaderSize + optHeaderSize + sectionHeaderSize),
		NumberOfRvaAndSizes: 16,
	}
	binary.Write(&buf, binary.LittleEndian, oh)

	sectionStart := uint32(buf.Len()) + sectionHeaderSize
	var name [8]byte
	copy(name[:], ".text")
	sh := pe.SectionHeader32{
		Name:             name,
		VirtualSize:      0x1000,
		VirtualAddress:   sectionVaddr,
		SizeOfRawData:    0x200,
		PointerToRawData: sectionStart,
	}
	binary.Write(&buf, binary.LittleEndian, sh)
	buf.Write(make([]byte, 0x200))
	return buf.Bytes()
}

func TestSniffMultibootPE64(t *testing.T) {
	data := buildPE64(t, uint16(pe.IMAGE_FILE_MACHINE_AMD64), 0x140000000, 0x1000, 0x1000)
	img, err := Sniff(data)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if img.Mode != ModeMB64 {
		t.Fatalf("Mode = %v, want ModeMB64", img.Mode)
	}
	if img.Arch != "x86" {
		t.Fatalf("Arch = %q, want x86", img.Arch)
	}
	wantEntry := uint64(0x140000000 + 0x1000)
	if img.EntryPoint != wantEntry {
		t.Fatalf("EntryPoint = %#x, want %#x", img.EntryPoint, wantEntry)
	}
	if len(img.Segments) != 1 || img.Segments[0].Phys != wantEntry {
		t.Fatalf("Segments = %+v, want one section at %#x", img.Segments, wantEntry)
	}
}

func TestLoadCopiesAndZeroesSegments(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	image := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	img := &KernelImage{
		Mode: ModeMB64,
		Arch: "x86",
		Segments: []Segment{{
			Phys:     0x200000,
			FileSize: uint64(len(image)),
			MemSize:  8,
		}},
	}
	if err := Load(disk, nil, img, image, Constraints{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := disk.ReadPhys(0x200000, 8)
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("memory after Load = % x, want % x", got, want)
	}
}

func TestLoadRejectsTruncatedSource(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	img := &KernelImage{
		Segments: []Segment{{
			Phys:         0x200000,
			FileSize:     16,
			MemSize:      16,
			SourceOffset: 0,
		}},
	}
	if err := Load(disk, nil, img, []byte{1, 2, 3}, Constraints{}); err == nil {
		t.Fatalf("Load accepted a segment whose source range exceeds the image")
	}
}

func TestLoadRefusesReservedLowMemory(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	img := &KernelImage{
		Arch:     "x86",
		Segments: []Segment{{Phys: 0x8000, FileSize: 4, MemSize: 4}},
	}
	err := Load(disk, nil, img, []byte{1, 2, 3, 4}, Constraints{})
	if !errors.Is(err, bootctx.ErrMemoryInUse) {
		t.Fatalf("Load(low segment) = %v, want ErrMemoryInUse", err)
	}
}

func TestLoadAllowsAarch64FixedLoadAddress(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	img := &KernelImage{
		Arch:     "aarch64",
		Segments: []Segment{{Phys: 0x80000, FileSize: 4, MemSize: 4}},
	}
	if err := Load(disk, nil, img, []byte{1, 2, 3, 4}, Constraints{}); err != nil {
		t.Fatalf("Load(aarch64 Image at 0x80000): %v", err)
	}
}

func TestLoadRefusesSegmentOutsideAvailableMemory(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	img := &KernelImage{
		Arch:     "x86",
		Segments: []Segment{{Phys: 0x200000, FileSize: 4, MemSize: 4}},
	}
	c := Constraints{
		MemoryMap: []bootctx.MemoryMapEntry{
			{Base: 0, Length: 0x100000, Kind: bootctx.MemoryAvailable},
			{Base: 0x100000, Length: 0x400000, Kind: bootctx.MemoryReserved},
		},
	}
	err := Load(disk, nil, img, []byte{1, 2, 3, 4}, c)
	if !errors.Is(err, bootctx.ErrMemoryInUse) {
		t.Fatalf("Load(reserved segment) = %v, want ErrMemoryInUse", err)
	}
}
