// Package hostdisk implements firmware.Capability over a regular file on
// the development host, so cmd/simpleboot-tool can point the same FAT32
// reader, kernel sniffer, and MBI synthesizer the runtime uses at a raw ESP
// image sitting on disk. Sector reads go through golang.org/x/sys/unix's
// Pread so a concurrent diagnostic run never perturbs the file's offset,
// the same pattern the teacher uses for its pty backends
// (internal/cmd/term/pty_darwin.go) wrapping a raw fd with unix syscalls
// instead of the standard library's *os.File read cursor.
package hostdisk

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/firmware"
)

const sectorSize = 512

// Image is a read-only firmware.Capability backed by a disk image file.
// It satisfies the full interface so fat32.Open and kernelload.Sniff can
// run against it unmodified; the page-allocation and system-table methods
// are offline stand-ins with no real firmware behind them.
type Image struct {
	f        *os.File
	size     int64
	nextPage uint64
}

// Open opens path for offline inspection. The file is never written to.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hostdisk: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hostdisk: %w", err)
	}
	return &Image{f: f, size: fi.Size(), nextPage: 0x10_0000}, nil
}

func (img *Image) Close() error { return img.f.Close() }

func (img *Image) Variant() firmware.Variant { return firmware.VariantBIOS }

// SectorRead reads sector lba via unix.Pread, bypassing the file's shared
// read offset entirely.
func (img *Image) SectorRead(lba uint64, buf []byte) error {
	off := int64(lba) * sectorSize
	if off+sectorSize > img.size {
		return fmt.Errorf("%w: sector %d beyond %s", bootctx.ErrIoError, lba, img.f.Name())
	}
	if len(buf) < sectorSize {
		return fmt.Errorf("%w: short buffer", bootctx.ErrIoError)
	}
	n, err := unix.Pread(int(img.f.Fd()), buf[:sectorSize], off)
	if err != nil {
		return fmt.Errorf("%w: pread: %v", bootctx.ErrIoError, err)
	}
	if n != sectorSize {
		return fmt.Errorf("%w: short pread of sector %d", bootctx.ErrIoError, lba)
	}
	return nil
}

func (img *Image) ConsoleWrite(b byte) {}

func (img *Image) FramebufferAcquire(preferredW, preferredH, preferredBPP uint32) (*firmware.FramebufferInfo, error) {
	return nil, nil
}

// MemoryMap reports nothing real; a diagnostic run has no firmware behind
// it, so callers that need a populated map (e.g. zero-page construction)
// must supply their own synthesized one instead.
func (img *Image) MemoryMap() ([]bootctx.MemoryMapEntry, error) { return nil, nil }

func (img *Image) AllocPage() (uint64, error) {
	p := img.nextPage
	img.nextPage += 4096
	return p, nil
}

func (img *Image) FreePage(phys uint64) error { return nil }

func (img *Image) DelayMicros(n uint64) {}

func (img *Image) PollKey() bool { return false }

func (img *Image) FindSystemTables() (firmware.SystemTables, error) {
	return firmware.SystemTables{}, nil
}

func (img *Image) ExitBootServices() error { return nil }
