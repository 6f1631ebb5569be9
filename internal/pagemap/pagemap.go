// Package pagemap builds the 4-level page tables the loader hands off to
// the kernel: 2 MiB identity mapping over the first 10 GiB, plus
// demand-mapped entries: 4 KiB pages for higher-half kernel segments and
// 2 MiB pages for the acquired framebuffer. The allocator-callback shape (each new table page comes from
// the same AllocPage the rest of the Firmware Capability Layer uses) keeps
// this package free of any direct MMU/CR3 manipulation; only the Go
// assembly in internal/handover ever loads the built root into hardware.
package pagemap

import (
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/firmware"
)

const (
	pageSize4K = 1 << 12
	pageSize2M = 1 << 21

	entryPresent  = 1 << 0
	entryWritable = 1 << 1
	entryHuge     = 1 << 7 // PS bit at the PD level

	entriesPerTable = 512

	identityMapLimitBytes = 10 << 30 // first 10 GiB identity-mapped as 2 MiB pages
)

// pendingEntry links an as-yet-unresolved 4 KiB leaf to the next one in its
// allocation run, the "linked-list successor pointer" two-pass trick: the
// first pass walks the table structure and leaves these markers, the second
// pass fills in real physical addresses counting down from phys+size-4096.
type pendingEntry struct {
	tablePhys uint64
	index     int
	next      *pendingEntry
}

// Builder constructs a page map incrementally via Map calls, then exposes
// the root table's physical address for Handover to load into CR3 (x86) or
// TTBR0/TTBR1 (Aarch64).
type Builder struct {
	cap           firmware.Capability
	root          uint64
	identityLimit uint64
	mapped        []region // already-committed ranges, for overlap detection
	pending       *pendingEntry
}

type region struct {
	virtStart, virtEnd uint64
}

// New allocates the root table and identity-maps the first 10 GiB (or as
// much of it as ram covers) using 2 MiB pages.
func New(cap firmware.Capability, ramTop uint64) (*Builder, error) {
	root, err := cap.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("pagemap: allocate root table: %w", err)
	}
	if err := zeroPage(cap, root); err != nil {
		return nil, err
	}
	b := &Builder{cap: cap, root: root}

	limit := uint64(identityMapLimitBytes)
	if ramTop != 0 && ramTop < limit {
		limit = alignUp(ramTop, pageSize2M)
	}
	for phys := uint64(0); phys < limit; phys += pageSize2M {
		if err := b.mapLarge(phys, phys); err != nil {
			return nil, fmt.Errorf("pagemap: identity map %#x: %w", phys, err)
		}
	}
	b.mapped = append(b.mapped, region{virtStart: 0, virtEnd: limit})
	b.identityLimit = limit
	return b, nil
}

// Root returns the physical address of the top-level table.
func (b *Builder) Root() uint64 { return b.root }

// MapFramebuffer identity-maps the framebuffer aperture with 2 MiB pages.
// An aperture that lies wholly inside the identity-mapped low region is
// already covered and needs no new entries; one that straddles or sits
// above it gets the uncovered 2 MiB-aligned span mapped.
func (b *Builder) MapFramebuffer(addr, size uint64) error {
	if addr+size <= b.identityLimit {
		return nil
	}
	start := alignDown(addr, pageSize2M)
	if start < b.identityLimit {
		start = b.identityLimit
	}
	end := alignUp(addr+size, pageSize2M)
	for phys := start; phys < end; phys += pageSize2M {
		if err := b.mapLarge(phys, phys); err != nil {
			return fmt.Errorf("pagemap: map framebuffer %#x: %w", phys, err)
		}
	}
	b.mapped = append(b.mapped, region{virtStart: start, virtEnd: end})
	return nil
}

// Map establishes virt -> phys for size bytes, rounding size up to a 4 KiB
// boundary shifted by the address's own offset within a page. Non-canonical
// virtual addresses (bits 48..63 not all-0 or all-1) are rejected. Any
// overlap with a previously committed range fails with a descriptive error,
// surfacing an overlapping-kernel-segment bug instead of silently
// corrupting an existing mapping.
//
// Mapping runs in two passes. The first walks the table structure for every
// page in the range, allocating intermediate tables and threading each
// still-empty leaf slot onto a pending list; no leaf is written yet, so a
// collision discovered halfway through the range fails before any entry of
// the range became visible to hardware. The second pass drains the list —
// which is threaded newest-first — filling in physical addresses descending
// from the top of the range.
func (b *Builder) Map(phys, virt, size uint64) error {
	if !isCanonical(virt) {
		return fmt.Errorf("pagemap: non-canonical virtual address %#x", virt)
	}
	alignedVirt := alignDown(virt, pageSize4K)
	end := alignUp(virt+size, pageSize4K)

	for _, r := range b.mapped {
		if alignedVirt < r.virtEnd && end > r.virtStart {
			return fmt.Errorf("pagemap: overlapping mapping for virt range [%#x, %#x)", alignedVirt, end)
		}
	}

	b.pending = nil
	for v := alignedVirt; v < end; v += pageSize4K {
		tablePhys, idx, err := b.walkTable(v, 3)
		if err != nil {
			b.pending = nil
			return err
		}
		entries, err := b.readTable(tablePhys)
		if err != nil {
			b.pending = nil
			return err
		}
		if entries[idx]&entryPresent != 0 {
			b.pending = nil
			return fmt.Errorf("pagemap: PT entry already present for virt %#x", v)
		}
		b.pending = &pendingEntry{tablePhys: tablePhys, index: idx, next: b.pending}
	}

	fill := alignDown(phys, pageSize4K) + (end - alignedVirt) - pageSize4K
	for p := b.pending; p != nil; p = p.next {
		entries, err := b.readTable(p.tablePhys)
		if err != nil {
			return err
		}
		entries[p.index] = fill | entryPresent | entryWritable
		if err := b.writeTable(p.tablePhys, entries); err != nil {
			return err
		}
		fill -= pageSize4K
	}
	b.pending = nil

	b.mapped = append(b.mapped, region{virtStart: alignedVirt, virtEnd: end})
	return nil
}

func isCanonical(addr uint64) bool {
	top := addr >> 48
	return top == 0 || top == 0xFFFF
}

func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }

func zeroPage(cap firmware.Capability, phys uint64) error {
	// AllocPage is documented to return an already-zeroed page; this is a
	// defensive no-op hook kept separate so a future Capability that
	// doesn't pre-zero has one place to plug a real memset.
	_ = phys
	return nil
}

// walkTable descends 4 levels (PML4/PDPT/PD/PT on x86, or the equivalent
// TTBR0 3-level-plus-granule topology on Aarch64, which this package treats
// identically since both are radix page tables with the same present/
// writable/huge bit semantics at the levels that matter here), allocating
// intermediate tables as needed, and returns the physical address of the
// final-level table plus the index within it.
func (b *Builder) walkTable(virt uint64, leafLevel int) (tablePhys uint64, index int, err error) {
	indices := [4]int{
		int((virt >> 39) & 0x1FF),
		int((virt >> 30) & 0x1FF),
		int((virt >> 21) & 0x1FF),
		int((virt >> 12) & 0x1FF),
	}
	cur := b.root
	for level := 0; level < leafLevel; level++ {
		entries, err := b.readTable(cur)
		if err != nil {
			return 0, 0, err
		}
		idx := indices[level]
		entry := entries[idx]
		if entry&entryPresent == 0 {
			child, err := b.cap.AllocPage()
			if err != nil {
				return 0, 0, fmt.Errorf("pagemap: allocate level-%d table: %w", level+1, bootctx.ErrOutOfMemory)
			}
			if err := zeroPage(b.cap, child); err != nil {
				return 0, 0, err
			}
			entries[idx] = child | entryPresent | entryWritable
			if err := b.writeTable(cur, entries); err != nil {
				return 0, 0, err
			}
			cur = child
		} else if entry&entryHuge != 0 && level == 2 {
			if err := b.splitLargePage(cur, idx, entry); err != nil {
				return 0, 0, err
			}
			entries, err := b.readTable(cur)
			if err != nil {
				return 0, 0, err
			}
			cur = entries[idx] &^ 0xFFF
		} else {
			cur = entry &^ 0xFFF
		}
	}
	return cur, indices[leafLevel], nil
}

func (b *Builder) mapLarge(phys, virt uint64) error {
	tablePhys, idx, err := b.walkTable(virt, 2)
	if err != nil {
		return err
	}
	entries, err := b.readTable(tablePhys)
	if err != nil {
		return err
	}
	if entries[idx]&entryPresent != 0 {
		return fmt.Errorf("pagemap: PD entry already present for virt %#x", virt)
	}
	entries[idx] = (phys &^ (pageSize2M - 1)) | entryPresent | entryWritable | entryHuge
	return b.writeTable(tablePhys, entries)
}

// splitLargePage breaks an existing 2 MiB entry into 512 4 KiB entries
// covering the same physical range, preserving the mapping it already
// represented.
func (b *Builder) splitLargePage(pdTablePhys uint64, pdIndex int, largeEntry uint64) error {
	basePhys := largeEntry &^ (pageSize2M - 1)
	newTable, err := b.cap.AllocPage()
	if err != nil {
		return fmt.Errorf("pagemap: allocate split table: %w", bootctx.ErrOutOfMemory)
	}
	entries := make([]uint64, entriesPerTable)
	for i := 0; i < entriesPerTable; i++ {
		entries[i] = (basePhys + uint64(i)*pageSize4K) | entryPresent | entryWritable
	}
	if err := b.writeTable(newTable, entries); err != nil {
		return err
	}
	pdEntries, err := b.readTable(pdTablePhys)
	if err != nil {
		return err
	}
	pdEntries[pdIndex] = newTable | entryPresent | entryWritable
	return b.writeTable(pdTablePhys, pdEntries)
}

// readTable and writeTable abstract the physical-memory access a real
// freestanding build performs via direct pointer dereference (physical
// memory is identity-mapped at this point in boot, so phys==virt for table
// access); they are backed here by a capability-provided byte view so the
// package type-checks without unsafe pointer arithmetic.
func (b *Builder) readTable(phys uint64) ([]uint64, error) {
	view, ok := b.cap.(tableView)
	if !ok {
		return nil, fmt.Errorf("pagemap: capability does not support direct table access")
	}
	return view.ReadTable(phys)
}

func (b *Builder) writeTable(phys uint64, entries []uint64) error {
	view, ok := b.cap.(tableView)
	if !ok {
		return fmt.Errorf("pagemap: capability does not support direct table access")
	}
	return view.WriteTable(phys, entries)
}

// tableView is an optional extension a Capability may implement to give
// the page-map builder direct read/write access to physical memory, used
// only for table construction (never for general physical memory access,
// which stays behind SectorRead/AllocPage).
type tableView interface {
	ReadTable(phys uint64) ([]uint64, error)
	WriteTable(phys uint64, entries []uint64) error
}
