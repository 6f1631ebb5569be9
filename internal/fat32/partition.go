// Package fat32 finds the boot FAT32 volume on the boot device (behind a
// protective-MBR GPT or a plain MBR) and reads files out of it: directory
// traversal with long-file-name reconstruction, and cluster-chain streaming
// reads through a small FAT-sector cache.
//
// Parsing follows the byte-offset layouts used by the diskfs and digler
// reference implementations in the retrieval corpus (DOS 7.1 EBPB field
// order, MBR partition entry layout, GPT header/entry layout), adapted to
// read through the Firmware Capability Layer's SectorRead instead of a
// host-OS block device.
package fat32

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/firmware"
)

const sectorSize = 512

// mbrTypeFAT32LBA, mbrTypeFAT32CHS and mbrTypeEFISystem are the MBR
// partition type bytes accepted when scanning a plain (non-GPT) MBR;
// mbrTypeProtective marks a GPT protective entry.
const (
	mbrTypeFAT32LBA   = 0x0C
	mbrTypeFAT32CHS   = 0x0B
	mbrTypeEFISystem  = 0xEF
	mbrTypeProtective = 0xEE
)

// gptESPGUID is the EFI System Partition type GUID, preferred over a plain
// "Microsoft basic data" GPT partition when both are present.
var gptESPGUID = [16]byte{0x28, 0x73, 0x2a, 0xc1, 0x1f, 0xf8, 0xd2, 0x11, 0xba, 0x4b, 0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b}

// Partition describes the located FAT32 volume's extent on the boot device.
// UUID is the GPT UniquePartitionGUID when the volume was found through a
// GPT, or a synthetic "PART"-prefixed identifier carrying the entry index
// when it was found through a plain MBR (which has no per-partition GUID).
type Partition struct {
	StartLBA uint64
	Sectors  uint64
	UUID     [16]byte
}

func syntheticMBRUUID(index int) [16]byte {
	var uuid [16]byte
	copy(uuid[:], "PART")
	uuid[4] = byte(index)
	return uuid
}

// FindPartition locates the first FAT32-formatted partition, preferring an
// EFI System Partition found via GPT over anything found via MBR. A disk
// with neither a valid GPT header nor a valid MBR signature, or with no
// partition whose boot-sector signature and cluster count identify FAT32,
// returns bootctx.ErrNoValidFilesystem.
func FindPartition(ctx context.Context, cap firmware.Capability) (Partition, error) {
	sector0 := make([]byte, sectorSize)
	if err := firmware.ReadSectors(ctx, cap, 0, 1, sector0); err != nil {
		return Partition{}, err
	}
	if binary.LittleEndian.Uint16(sector0[0x1FE:0x200]) != 0xAA55 {
		return Partition{}, fmt.Errorf("%w: sector 0 missing 0x55AA signature", bootctx.ErrNoValidFilesystem)
	}

	if isProtectiveMBR(sector0) {
		part, err := findGPTPartition(ctx, cap)
		if err == nil {
			return part, nil
		}
		// fall through to scanning the MBR entries as plain partitions;
		// some images carry both a protective entry and a real one for
		// BIOS/GPT dual boot.
	}

	return findMBRPartition(ctx, cap, sector0)
}

func isProtectiveMBR(sector0 []byte) bool {
	for i := 0; i < 4; i++ {
		off := 0x1BE + i*16
		if sector0[off+4] == mbrTypeProtective {
			return true
		}
	}
	return false
}

func findMBRPartition(ctx context.Context, cap firmware.Capability, sector0 []byte) (Partition, error) {
	for i := 0; i < 4; i++ {
		off := 0x1BE + i*16
		// Only active entries qualify: the boot-indicator byte must be
		// 0x80, so a stale non-bootable FAT32 entry listed earlier in the
		// table can't shadow the real boot partition.
		if sector0[off] != 0x80 {
			continue
		}
		entryType := sector0[off+4]
		switch entryType {
		case mbrTypeFAT32LBA, mbrTypeFAT32CHS, mbrTypeEFISystem:
			start := uint64(binary.LittleEndian.Uint32(sector0[off+8 : off+12]))
			total := uint64(binary.LittleEndian.Uint32(sector0[off+12 : off+16]))
			if start == 0 || total == 0 {
				continue
			}
			if err := ctx.Err(); err != nil {
				return Partition{}, err
			}
			if probeFAT32(ctx, cap, start) {
				return Partition{StartLBA: start, Sectors: total, UUID: syntheticMBRUUID(i)}, nil
			}
		}
	}
	return Partition{}, fmt.Errorf("%w: no FAT32 MBR partition found", bootctx.ErrNoValidFilesystem)
}

// gptHeaderLBA is the fixed LBA for the primary GPT header, immediately
// after the protective MBR.
const gptHeaderLBA = 1

func findGPTPartition(ctx context.Context, cap firmware.Capability) (Partition, error) {
	hdr := make([]byte, sectorSize)
	if err := firmware.ReadSectors(ctx, cap, gptHeaderLBA, 1, hdr); err != nil {
		return Partition{}, err
	}
	if string(hdr[0:8]) != "EFI PART" {
		return Partition{}, fmt.Errorf("%w: GPT header signature mismatch", bootctx.ErrNoValidFilesystem)
	}
	entryLBA := binary.LittleEndian.Uint64(hdr[72:80])
	entryCount := binary.LittleEndian.Uint32(hdr[80:84])
	entrySize := binary.LittleEndian.Uint32(hdr[84:88])
	if entrySize == 0 || entryCount == 0 {
		return Partition{}, fmt.Errorf("%w: empty GPT partition table", bootctx.ErrNoValidFilesystem)
	}

	entriesPerSector := sectorSize / int(entrySize)
	sectorsNeeded := (int(entryCount) + entriesPerSector - 1) / entriesPerSector
	buf := make([]byte, sectorsNeeded*sectorSize)
	if err := firmware.ReadSectors(ctx, cap, entryLBA, sectorsNeeded, buf); err != nil {
		return Partition{}, err
	}

	var fallback *Partition
	for i := 0; i < int(entryCount); i++ {
		if err := ctx.Err(); err != nil {
			return Partition{}, err
		}
		off := i * int(entrySize)
		if off+int(entrySize) > len(buf) {
			break
		}
		entry := buf[off : off+int(entrySize)]
		var typeGUID [16]byte
		copy(typeGUID[:], entry[0:16])
		if typeGUID == ([16]byte{}) {
			continue
		}
		start := binary.LittleEndian.Uint64(entry[32:40])
		end := binary.LittleEndian.Uint64(entry[40:48])
		if start == 0 || end < start {
			continue
		}
		if !probeFAT32(ctx, cap, start) {
			continue
		}
		part := Partition{StartLBA: start, Sectors: end - start + 1}
		copy(part.UUID[:], entry[16:32])
		if typeGUID == gptESPGUID {
			return part, nil
		}
		if fallback == nil {
			fallback = &part
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return Partition{}, fmt.Errorf("%w: no FAT32 GPT partition found", bootctx.ErrNoValidFilesystem)
}

// probeFAT32 reads the candidate partition's boot sector and checks for the
// "FAT32   " file system type string at its EBPB offset, the same signature
// check diskfs performs when deciding how to interpret an EBPB.
func probeFAT32(ctx context.Context, cap firmware.Capability, startLBA uint64) bool {
	boot := make([]byte, sectorSize)
	if err := firmware.ReadSectors(ctx, cap, startLBA, 1, boot); err != nil {
		return false
	}
	if binary.LittleEndian.Uint16(boot[0x1FE:0x200]) != 0xAA55 {
		return false
	}
	return string(boot[82:90]) == "FAT32   "
}
