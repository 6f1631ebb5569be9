// Package fwtest provides an in-memory firmware.Capability backed by a flat
// byte slice of 512-byte sectors, used by other packages' tests instead of
// standing up a real UEFI/BIOS/coreboot/RPi backend. It implements the whole
// interface, and is used by the tests of the FAT32 reader, kernel loader,
// page-map builder, SMP engine and the boot core against hand-built images.
package fwtest

import (
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/firmware"
)

const sectorSize = 512

// Disk is a fake firmware.Capability over an in-memory disk image. Zero
// value is not usable; use NewDisk.
type Disk struct {
	variant firmware.Variant
	sectors []byte
	memMap  []bootctx.MemoryMapEntry
	fb      *firmware.FramebufferInfo
	tables  firmware.SystemTables

	pages    map[uint64][]byte
	nextPage uint64

	keys []bool
}

// NewDisk creates a fake Capability whose SectorRead serves out of image,
// which must be a whole number of 512-byte sectors.
func NewDisk(image []byte) *Disk {
	return &Disk{
		variant:  firmware.VariantBIOS,
		sectors:  image,
		pages:    make(map[uint64][]byte),
		nextPage: 0x200000,
	}
}

// WithVariant overrides the reported Variant (default VariantBIOS).
func (d *Disk) WithVariant(v firmware.Variant) *Disk { d.variant = v; return d }

// WithMemoryMap sets the map returned by MemoryMap.
func (d *Disk) WithMemoryMap(m []bootctx.MemoryMapEntry) *Disk { d.memMap = m; return d }

// WithSystemTables sets the result of FindSystemTables.
func (d *Disk) WithSystemTables(t firmware.SystemTables) *Disk { d.tables = t; return d }

// QueueKeys makes PollKey return these values in order, then false forever.
func (d *Disk) QueueKeys(keys ...bool) *Disk { d.keys = append(d.keys, keys...); return d }

func (d *Disk) Variant() firmware.Variant { return d.variant }

func (d *Disk) SectorRead(lba uint64, buf []byte) error {
	off := lba * sectorSize
	if off+sectorSize > uint64(len(d.sectors)) {
		return fmt.Errorf("%w: sector %d out of range", bootctx.ErrIoError, lba)
	}
	if len(buf) < sectorSize {
		return fmt.Errorf("%w: short buffer", bootctx.ErrIoError)
	}
	copy(buf, d.sectors[off:off+sectorSize])
	return nil
}

func (d *Disk) ConsoleWrite(b byte) {}

func (d *Disk) FramebufferAcquire(preferredW, preferredH, preferredBPP uint32) (*firmware.FramebufferInfo, error) {
	return d.fb, nil
}

func (d *Disk) MemoryMap() ([]bootctx.MemoryMapEntry, error) { return d.memMap, nil }

func (d *Disk) AllocPage() (uint64, error) {
	phys := d.nextPage
	d.pages[phys] = make([]byte, 4096)
	d.nextPage += 4096
	return phys, nil
}

func (d *Disk) FreePage(phys uint64) error {
	delete(d.pages, phys)
	return nil
}

func (d *Disk) DelayMicros(n uint64) {}

func (d *Disk) PollKey() bool {
	if len(d.keys) == 0 {
		return false
	}
	k := d.keys[0]
	d.keys = d.keys[1:]
	return k
}

func (d *Disk) FindSystemTables() (firmware.SystemTables, error) { return d.tables, nil }

func (d *Disk) ExitBootServices() error { return nil }

// WritePhys and ZeroPhys implement kernelload.PhysWriter against the page
// table backing this fake, so pagemap and kernelload tests can share it.
func (d *Disk) WritePhys(phys uint64, data []byte) error {
	for written := 0; written < len(data); {
		cur := phys + uint64(written)
		page := d.pageFor(cur)
		off := cur % 4096
		n := copy(page[off:], data[written:])
		written += n
	}
	return nil
}

func (d *Disk) ZeroPhys(phys uint64, size uint64) error {
	for p := phys &^ 0xFFF; p < phys+size; p += 4096 {
		d.pageFor(p)
	}
	return nil
}

// ReadPhys returns n bytes starting at phys, for test assertions.
func (d *Disk) ReadPhys(phys uint64, n int) []byte {
	out := make([]byte, n)
	base := phys
	for i := 0; i < n; {
		page := d.pageFor(base + uint64(i))
		off := (base + uint64(i)) % 4096
		c := copy(out[i:], page[off:])
		i += c
	}
	return out
}

// ReadTable and WriteTable implement pagemap's optional tableView extension,
// treating each 4 KiB page as an array of 512 little-endian uint64 entries.
func (d *Disk) ReadTable(phys uint64) ([]uint64, error) {
	page := d.pageFor(phys)
	entries := make([]uint64, 512)
	for i := range entries {
		entries[i] = leUint64(page[i*8 : i*8+8])
	}
	return entries, nil
}

func (d *Disk) WriteTable(phys uint64, entries []uint64) error {
	page := d.pageFor(phys)
	for i, v := range entries {
		putLEUint64(page[i*8:i*8+8], v)
	}
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLEUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func (d *Disk) pageFor(phys uint64) []byte {
	base := phys &^ 0xFFF
	page, ok := d.pages[base]
	if !ok {
		page = make([]byte, 4096)
		d.pages[base] = page
	}
	return page
}
