package pagemap

import (
	"testing"

	"github.com/tinyrange/simpleboot/internal/firmware/fwtest"
)

// resolve walks the builder's own tables the way hardware would, returning
// the physical address virt currently resolves to, or (0, false) if unmapped.
func resolve(t *testing.T, b *Builder, virt uint64) (uint64, bool) {
	t.Helper()
	indices := [4]int{
		int((virt >> 39) & 0x1FF),
		int((virt >> 30) & 0x1FF),
		int((virt >> 21) & 0x1FF),
		int((virt >> 12) & 0x1FF),
	}
	cur := b.root
	for level := 0; level < 4; level++ {
		entries, err := b.readTable(cur)
		if err != nil {
			t.Fatalf("readTable: %v", err)
		}
		entry := entries[indices[level]]
		if entry&entryPresent == 0 {
			return 0, false
		}
		if entry&entryHuge != 0 {
			return (entry &^ (pageSize2M - 1)) + (virt & (pageSize2M - 1)), true
		}
		cur = entry &^ 0xFFF
	}
	return cur + (virt & (pageSize4K - 1)), true
}

func TestIdentityMapResolvesLowMemory(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	b, err := New(disk, 64<<20) // 64 MiB ram top keeps the test fast
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, addr := range []uint64{0, 0x100000, 0x200000, 63 << 20} {
		phys, ok := resolve(t, b, addr)
		if !ok {
			t.Fatalf("resolve(%#x): not mapped", addr)
		}
		if phys != addr {
			t.Fatalf("resolve(%#x) = %#x, want identity", addr, phys)
		}
	}
}

func TestMapHigherHalf(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	b, err := New(disk, 2<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const virt = 0xFFFFFFFF80000000
	const phys = 0x300000
	const size = 0x4000 // two 4 KiB pages plus change

	if err := b.Map(phys, virt, size); err != nil {
		t.Fatalf("Map: %v", err)
	}
	for _, off := range []uint64{0, pageSize4K, pageSize4K + 0x10} {
		got, ok := resolve(t, b, virt+off)
		if !ok {
			t.Fatalf("resolve(virt+%#x): not mapped", off)
		}
		want := phys + (off &^ 0xFFF)
		if got != want+(off&0xFFF) {
			t.Fatalf("resolve(virt+%#x) = %#x, want %#x", off, got, want+(off&0xFFF))
		}
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	b, err := New(disk, 2<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const virt = 0xFFFFFFFF90000000
	if err := b.Map(0x400000, virt, 0x2000); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	if err := b.Map(0x500000, virt+0x1000, 0x2000); err == nil {
		t.Fatalf("overlapping Map succeeded, want error")
	}
}

func TestMapRejectsNonCanonical(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	b, err := New(disk, 2<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Map(0x400000, 0x0001000000000000, 0x1000); err == nil {
		t.Fatalf("non-canonical Map succeeded, want error")
	}
}

func TestMapFramebufferAboveIdentityLimit(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	b, err := New(disk, 64<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const fbAddr = 0xFD000000
	if err := b.MapFramebuffer(fbAddr, 4096*768); err != nil {
		t.Fatalf("MapFramebuffer: %v", err)
	}
	got, ok := resolve(t, b, fbAddr)
	if !ok || got != fbAddr {
		t.Fatalf("resolve(%#x) = %#x, %v; want identity mapping", uint64(fbAddr), got, ok)
	}
}

func TestMapFramebufferInsideIdentityLimitIsNoop(t *testing.T) {
	disk := fwtest.NewDisk(make([]byte, 512))
	b, err := New(disk, 64<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.MapFramebuffer(16<<20, 4096*768); err != nil {
		t.Fatalf("MapFramebuffer inside identity region: %v", err)
	}
}
