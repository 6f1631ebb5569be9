package fat32

import (
	"context"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/firmware"
)

// Boot-catalog layout on hybrid images: the record sits in sector 1 at a
// fixed offset, sharing the sector with the GPT header (which ends well
// before it).
const (
	bootCatalogSector = 1
	bootCatalogOffset = 128
)

var bootCatalogMagic = [6]byte{0xB0, 0x07, 0xCA, 0x7A, 0x10, 0xC0}

// BootCatalogEntry names one architecture's loader stage on the disk.
type BootCatalogEntry struct {
	Arch     uint8
	WordSize uint8
	Endian   uint8
	StartLBA uint32
}

// BootCatalog is the parsed per-architecture loader directory some hybrid
// images carry alongside the GPT, letting one disk boot several firmware
// architectures from the same ESP.
type BootCatalog struct {
	Entries []BootCatalogEntry
}

// ReadBootCatalog reads sector 1 and parses the boot catalog out of it, if
// one is present. A disk without the catalog magic returns (nil, nil):
// absence is the normal case, not an error.
func ReadBootCatalog(ctx context.Context, cap firmware.Capability) (*BootCatalog, error) {
	sector := make([]byte, sectorSize)
	if err := firmware.ReadSectors(ctx, cap, bootCatalogSector, 1, sector); err != nil {
		return nil, err
	}
	return ParseBootCatalog(sector)
}

// ParseBootCatalog decodes a boot catalog from the raw bytes of sector 1.
// The record is a 6-byte magic, an 8-bit checksum chosen so the whole
// record sums to zero, an entry count, and one 8-byte record per entry.
func ParseBootCatalog(sector []byte) (*BootCatalog, error) {
	if len(sector) < bootCatalogOffset+8 {
		return nil, nil
	}
	raw := sector[bootCatalogOffset:]
	for i := range bootCatalogMagic {
		if raw[i] != bootCatalogMagic[i] {
			return nil, nil
		}
	}
	count := int(raw[7])
	recordLen := 8 + count*8
	if recordLen > len(raw) {
		return nil, fmt.Errorf("%w: boot catalog entry count %d overruns its sector", bootctx.ErrNoValidFilesystem, count)
	}
	var sum uint8
	for _, b := range raw[:recordLen] {
		sum += b
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w: boot catalog checksum mismatch", bootctx.ErrNoValidFilesystem)
	}

	cat := &BootCatalog{}
	for i := 0; i < count; i++ {
		entry := raw[8+i*8 : 16+i*8]
		cat.Entries = append(cat.Entries, BootCatalogEntry{
			Arch:     entry[0],
			WordSize: entry[1],
			Endian:   entry[2],
			StartLBA: leUint32(entry[4:8]),
		})
	}
	return cat, nil
}
