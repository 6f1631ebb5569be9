package main

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/tinyrange/simpleboot/internal/bootconfig"
	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/bootlog"
	"github.com/tinyrange/simpleboot/internal/firmware"
	"github.com/tinyrange/simpleboot/internal/firmware/fwtest"
	"github.com/tinyrange/simpleboot/internal/handover"
	"github.com/tinyrange/simpleboot/internal/mbi"
)

// Disk image layout constants, matching the FAT32 volume internal/fat32's
// own tests build: a one-entry MBR at LBA 0, a minimal BPB/FAT at LBA 1,
// one cluster per file in a flat root directory.
const (
	diskSectorSize  = 512
	reservedSectors = 32
	sectorsPerFAT   = 1
	partStart       = 1
	fatLBA          = partStart + reservedSectors
	dataLBA         = fatLBA + sectorsPerFAT
	fatEOCMin       = 0x0FFFFFF8
	dirEntrySize    = 32
	attrArchive     = 0x20
	attrLFN         = 0x0F
	lfnLastEntryFlag = 0x40
	mbrTypeFAT32LBA = 0x0C
)

func padRight(s string, n int) []byte {
	b := bytes.Repeat([]byte(" "), n)
	copy(b, s)
	return b
}

func splitShortName(name string) (string, string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

// buildDiskImage hand-assembles a disk image holding the given files in a
// flat FAT32 root directory, the same layout internal/fat32's own tests
// build against.
func buildDiskImage(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	totalSectors := uint32(dataLBA + len(files) + 4)
	img := make([]byte, int(totalSectors)*diskSectorSize)

	mbr := img[0:diskSectorSize]
	off := 0x1BE
	mbr[off] = 0x80
	mbr[off+4] = mbrTypeFAT32LBA
	binary.LittleEndian.PutUint32(mbr[off+8:off+12], partStart)
	binary.LittleEndian.PutUint32(mbr[off+12:off+16], totalSectors-partStart)
	binary.LittleEndian.PutUint16(mbr[0x1FE:0x200], 0xAA55)

	vbr := img[partStart*diskSectorSize : (partStart+1)*diskSectorSize]
	binary.LittleEndian.PutUint16(vbr[11:13], diskSectorSize)
	vbr[13] = 1
	binary.LittleEndian.PutUint16(vbr[14:16], reservedSectors)
	vbr[16] = 1
	binary.LittleEndian.PutUint32(vbr[36:40], sectorsPerFAT)
	binary.LittleEndian.PutUint32(vbr[44:48], 2)
	binary.LittleEndian.PutUint16(vbr[48:50], 1)
	binary.LittleEndian.PutUint32(vbr[32:36], totalSectors-partStart)
	copy(vbr[71:82], padRight("NO NAME", 11))
	copy(vbr[82:90], []byte("FAT32   "))
	binary.LittleEndian.PutUint16(vbr[0x1FE:0x200], 0xAA55)

	fat := img[fatLBA*diskSectorSize : (fatLBA+sectorsPerFAT)*diskSectorSize]
	setFATEntry := func(cluster uint32, value uint32) {
		binary.LittleEndian.PutUint32(fat[cluster*4:cluster*4+4], value)
	}
	setFATEntry(2, fatEOCMin)

	rootDir := img[dataLBA*diskSectorSize : (dataLBA+1)*diskSectorSize]
	nextCluster := uint32(3)
	entryOff := 0
	aliasNum := 1
	for name, content := range files {
		base, ext := splitShortName(name)
		if len(base) > 8 || len(ext) > 3 {
			// Needs a long-file-name entry: the short alias is only used
			// to carry the cluster/size fields, and resolveLFN overrides
			// its name once the preceding LFN fragment is parsed.
			for _, lfn := range buildLFNEntries(name, aliasNum) {
				copy(rootDir[entryOff:entryOff+dirEntrySize], lfn)
				entryOff += dirEntrySize
			}
			base, ext = aliasShortName(aliasNum)
			aliasNum++
		}
		entry := rootDir[entryOff : entryOff+dirEntrySize]
		copy(entry[0:8], padRight(base, 8))
		copy(entry[8:11], padRight(ext, 3))
		entry[11] = attrArchive
		binary.LittleEndian.PutUint16(entry[20:22], uint16(nextCluster>>16))
		binary.LittleEndian.PutUint16(entry[26:28], uint16(nextCluster))
		binary.LittleEndian.PutUint32(entry[28:32], uint32(len(content)))

		setFATEntry(nextCluster, fatEOCMin)
		clusterLBA := uint32(dataLBA) + 1 + (nextCluster - 3)
		copy(img[clusterLBA*diskSectorSize:(clusterLBA+1)*diskSectorSize], content)

		nextCluster++
		entryOff += dirEntrySize
	}
	return img
}

// aliasShortName manufactures a unique 8.3 placeholder for a file whose
// real name only lives in its LFN entries.
func aliasShortName(n int) (string, string) {
	return fmt.Sprintf("LFN~%d", n), "BIN"
}

// buildLFNEntries splits name into 13-UTF16-unit fragments and returns them
// in on-disk order (highest ordinal, i.e. the tail of the name, first),
// matching what internal/fat32's resolveLFN expects to walk and reverse.
func buildLFNEntries(name string, aliasNum int) [][]byte {
	units := utf16.Encode([]rune(name))
	const perEntry = 13
	var fragments [][]uint16
	for i := 0; i < len(units); i += perEntry {
		end := i + perEntry
		if end > len(units) {
			end = len(units)
		}
		fragments = append(fragments, units[i:end])
	}

	var entries [][]byte
	for i := len(fragments) - 1; i >= 0; i-- {
		ordinal := i + 1
		last := i == len(fragments)-1
		entries = append(entries, buildOneLFNEntry(fragments[i], ordinal, last))
	}
	return entries
}

func buildOneLFNEntry(chars []uint16, ordinal int, last bool) []byte {
	padded := make([]uint16, 13)
	copy(padded, chars)
	if len(chars) < 13 {
		padded[len(chars)] = 0x0000
		for i := len(chars) + 1; i < 13; i++ {
			padded[i] = 0xFFFF
		}
	}

	entry := make([]byte, dirEntrySize)
	seq := byte(ordinal)
	if last {
		seq |= lfnLastEntryFlag
	}
	entry[0] = seq
	putUTF16LE(entry[1:11], padded[0:5])
	entry[11] = attrLFN
	entry[12] = 0
	entry[13] = 0 // checksum, unvalidated by this reader
	putUTF16LE(entry[14:26], padded[5:11])
	binary.LittleEndian.PutUint16(entry[26:28], 0)
	putUTF16LE(entry[28:32], padded[11:13])
	return entry
}

func putUTF16LE(dst []byte, units []uint16) {
	for i, u := range units {
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], u)
	}
}

// buildMultibootELF64 assembles a minimal valid ELF64 executable with one
// PT_LOAD segment, matching the shape internal/kernelload's own tests sniff.
func buildMultibootELF64(t *testing.T, entry, vaddr, paddr uint64, payload []byte) []byte {
	t.Helper()
	const ehsize = 64
	const phentsize = 56
	fileOff := uint64(ehsize + phentsize)

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phentsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(5))
	binary.Write(&buf, binary.LittleEndian, fileOff)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, paddr)
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))

	buf.Write(payload)
	return buf.Bytes()
}

func defaultMemMap() []bootctx.MemoryMapEntry {
	return []bootctx.MemoryMapEntry{
		{Base: 0, Length: 0x10000000, Kind: bootctx.MemoryAvailable},
	}
}

func TestAttemptBootMultiboot2ELF(t *testing.T) {
	payload := bytes.Repeat([]byte{0x90}, 64)
	kernel := buildMultibootELF64(t, 0x100000, 0x100000, 0x100000, payload)
	image := buildDiskImage(t, map[string][]byte{
		"simpleboot.cfg": []byte("kernel /KERNEL.ELF\ncmdline console=ttyS0\n"),
		"KERNEL.ELF":   kernel,
	})

	disk := fwtest.NewDisk(image).WithMemoryMap(defaultMemMap())
	plan, err := attemptBoot(context.Background(), disk, Deps{Writer: disk}, bootlog.NewConsole(), bootconfig.Primary)
	if err != nil {
		t.Fatalf("attemptBoot: %v", err)
	}
	if plan.Entry != 0x100000 {
		t.Errorf("plan.Entry = %#x, want %#x", plan.Entry, 0x100000)
	}
	if plan.Arch != "x86" {
		t.Errorf("plan.Arch = %q, want x86", plan.Arch)
	}
	if plan.RegB == 0 {
		t.Errorf("plan.RegB (tag buffer) must not be zero")
	}
}

func TestBootMissingPrimaryFallsBackToBackup(t *testing.T) {
	payload := bytes.Repeat([]byte{0x90}, 32)
	kernel := buildMultibootELF64(t, 0x200000, 0x200000, 0x200000, payload)
	image := buildDiskImage(t, map[string][]byte{
		"simpleboot.cfg": []byte("backup kernel /KERNEL.ELF\nbackup cmdline quiet\n"),
		"KERNEL.ELF":   kernel,
	})

	disk := fwtest.NewDisk(image).WithMemoryMap(defaultMemMap())
	var jumped *handover.Plan
	jump = func(plan handover.Plan) error {
		jumped = &plan
		return nil
	}
	defer func() { jump = handover.Jump }()

	if err := Boot(context.Background(), disk, Deps{Writer: disk}, bootlog.NewConsole()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if jumped == nil {
		t.Fatalf("Boot returned without attempting the handover jump")
	}
	if jumped.Entry != 0x200000 {
		t.Errorf("backup kernel entry = %#x, want 0x200000", jumped.Entry)
	}

	tags, err := mbi.ReadTags(disk.ReadPhys(jumped.RegB, 4096))
	if err != nil {
		t.Fatalf("mbi.ReadTags: %v", err)
	}
	var loaderName string
	for _, tag := range tags {
		if tag.Type == mbi.TagBootLoaderName {
			loaderName = strings.TrimRight(string(tag.Body), "\x00")
		}
	}
	if loaderName != "Simpleboot (backup)" {
		t.Errorf("boot-loader-name = %q, want %q", loaderName, "Simpleboot (backup)")
	}
}

func TestBootFailsWhenNeitherEntryHasAKernel(t *testing.T) {
	image := buildDiskImage(t, map[string][]byte{
		"simpleboot.cfg": []byte("cmdline quiet\n"),
	})
	disk := fwtest.NewDisk(image).WithMemoryMap(defaultMemMap())
	err := Boot(context.Background(), disk, Deps{Writer: disk}, bootlog.NewConsole())
	if err == nil {
		t.Fatalf("Boot: want error, got nil")
	}
}

func TestDiscoverMADTReturnsFalseWithoutSystemTables(t *testing.T) {
	disk := fwtest.NewDisk(buildDiskImage(t, nil)).WithMemoryMap(defaultMemMap())
	if _, ok := discoverMADT(disk, firmware.SystemTables{}); ok {
		t.Errorf("discoverMADT: want false when RSDP is absent")
	}
}

func TestIsDTBBlob(t *testing.T) {
	if !isDTBBlob([]byte{0xD0, 0x0D, 0xFE, 0xED, 0, 0}) {
		t.Errorf("isDTBBlob(FDT magic) = false, want true")
	}
	if isDTBBlob([]byte("DSDT....")) {
		t.Errorf("isDTBBlob(DSDT signature) = true, want false")
	}
	if isDTBBlob([]byte{0xD0, 0x0D}) {
		t.Errorf("isDTBBlob(short buffer) = true, want false")
	}
}

func TestIsACPIOverrideBlob(t *testing.T) {
	for _, sig := range []string{"DSDT", "GUDT"} {
		if !isACPIOverrideBlob([]byte(sig + "....")) {
			t.Errorf("isACPIOverrideBlob(%q) = false, want true", sig)
		}
	}
	if isACPIOverrideBlob([]byte("FACP....")) {
		t.Errorf("isACPIOverrideBlob(FACP) = true, want false")
	}
	if isACPIOverrideBlob([]byte{0xD0, 0x0D, 0xFE, 0xED}) {
		t.Errorf("isACPIOverrideBlob(DTB magic) = true, want false")
	}
}

// TestAttemptBootGUDTModuleGetsNoTag exercises end-to-end scenario 6: a
// module whose content begins with the "GUDT" signature is placed in
// memory but never turns into an MBI module tag, since its address is
// meant to replace the kernel's ACPI DSDT instead (§4.8). With no RSDP
// reported by the fake Capability, applyDSDTOverride has nothing to patch
// and logs a warning, but the module must still be excluded from the tag
// stream either way.
func TestAttemptBootGUDTModuleGetsNoTag(t *testing.T) {
	payload := bytes.Repeat([]byte{0x90}, 32)
	kernel := buildMultibootELF64(t, 0x100000, 0x100000, 0x100000, payload)
	dsdtBlob := append([]byte("GUDT"), bytes.Repeat([]byte{0xAB}, 32)...)
	image := buildDiskImage(t, map[string][]byte{
		"simpleboot.cfg": []byte("kernel /KERNEL.ELF\ncmdline console=ttyS0\nmodule /DSDT.BIN\n"),
		"KERNEL.ELF":     kernel,
		"DSDT.BIN":       dsdtBlob,
	})

	disk := fwtest.NewDisk(image).WithMemoryMap(defaultMemMap())
	plan, err := attemptBoot(context.Background(), disk, Deps{Writer: disk}, bootlog.NewConsole(), bootconfig.Primary)
	if err != nil {
		t.Fatalf("attemptBoot: %v", err)
	}

	tags, err := mbi.ReadTags(disk.ReadPhys(plan.RegB, 4096))
	if err != nil {
		t.Fatalf("mbi.ReadTags: %v", err)
	}
	for _, tag := range tags {
		if tag.Type == 3 {
			t.Errorf("found a module tag (offset %d) for a GUDT-signed blob; it should have been routed to the ACPI override path instead", tag.Offset)
		}
	}
}
