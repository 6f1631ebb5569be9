// Package acpipatch locates the firmware's existing FADT and repoints its
// DSDT/X_DSDT fields at a replacement AML blob, recomputing the FADT's
// checksum, so the kernel sees its own embedded ACPI definition block
// instead of the firmware's. The package also offers Synthesize, which
// builds a minimal RSDP/XSDT/FADT/MADT chain from scratch; the boot core
// does not call it. Synthesize reuses the teacher's table-writer approach
// (internal/acpi/builder.go, internal/acpi/install.go) with a different
// name for the generated signature.
package acpipatch

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
)

// RSDPInfo is what ParseRSDP extracts from an RSDP: its revision, the
// RSDT and (revision >= 2) XSDT addresses, and whether its checksums hold.
type RSDPInfo struct {
	Revision  uint8
	RSDTAddr  uint32
	XSDTAddr  uint64
	ChecksumOK bool
}

// ParseRSDP validates an RSDP's checksum(s) and extracts the table pointer.
func ParseRSDP(data []byte) (RSDPInfo, error) {
	if len(data) < 20 || string(data[0:8]) != "RSD PTR " {
		return RSDPInfo{}, fmt.Errorf("%w: RSDP signature mismatch", bootctx.ErrIoError)
	}
	info := RSDPInfo{
		Revision: data[15],
		RSDTAddr: binary.LittleEndian.Uint32(data[16:20]),
	}
	info.ChecksumOK = checksum(data[0:20]) == 0
	if info.Revision >= 2 && len(data) >= 36 {
		info.XSDTAddr = binary.LittleEndian.Uint64(data[24:32])
		info.ChecksumOK = info.ChecksumOK && checksum(data[0:36]) == 0
	}
	return info, nil
}

// PatchFADT rewrites a located FADT's DSDT (offset 40) and, if the FADT is
// revision >= 3 and large enough, X_DSDT (offset 140) pointers to
// newDSDTAddr, then recomputes the single-byte checksum at offset 9 over
// the whole table. fadt must be the full table bytes (header + body), not
// just the body.
func PatchFADT(fadt []byte, newDSDTAddr uint32, newDSDTAddr64 uint64) error {
	if len(fadt) < 44 || string(fadt[0:4]) != "FACP" {
		return fmt.Errorf("%w: not a FADT (missing FACP signature)", bootctx.ErrIoError)
	}
	binary.LittleEndian.PutUint32(fadt[40:44], newDSDTAddr)
	if fadt[8] >= 3 && len(fadt) >= 148 {
		binary.LittleEndian.PutUint64(fadt[140:148], newDSDTAddr64)
	}
	fadt[9] = 0
	fadt[9] = checksum(fadt)
	return nil
}

// FindTableInXSDT scans an XSDT/RSDT body (the raw table, header included)
// for the first entry whose pointed-to table begins with sig, using read
// to fetch table headers from system memory at arbitrary physical
// addresses (firmware ACPI tables are not necessarily within any region
// the loader otherwise maps, so this takes a raw accessor rather than a
// byte slice).
func FindTableInXSDT(xsdt []byte, is64Bit bool, sig string, read func(phys uint64, n int) ([]byte, error)) (addr uint64, body []byte, err error) {
	if len(xsdt) < 36 {
		return 0, nil, fmt.Errorf("%w: XSDT/RSDT too short", bootctx.ErrIoError)
	}
	entrySize := 4
	if is64Bit {
		entrySize = 8
	}
	entries := xsdt[36:]
	for off := 0; off+entrySize <= len(entries); off += entrySize {
		var ptr uint64
		if is64Bit {
			ptr = binary.LittleEndian.Uint64(entries[off : off+8])
		} else {
			ptr = uint64(binary.LittleEndian.Uint32(entries[off : off+4]))
		}
		if ptr == 0 {
			continue
		}
		hdr, err := read(ptr, 36)
		if err != nil {
			continue
		}
		if string(hdr[0:4]) == sig {
			length := binary.LittleEndian.Uint32(hdr[4:8])
			full, err := read(ptr, int(length))
			if err != nil {
				return 0, nil, err
			}
			return ptr, full, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: table %q not present in XSDT/RSDT", bootctx.ErrIoError, sig)
}

func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return byte(0 - sum)
}
