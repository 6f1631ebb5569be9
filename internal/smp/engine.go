// Package smp brings up application processors: enumerating them from the
// MADT, relocating an architecture-specific trampoline to a fixed low-memory
// address, signalling them with INIT/SIPI (x86) or a spin-table word
// (aarch64), and publishing the shared handover state every core reads
// before jumping to the kernel. The BSP/AP shared-word publication pattern
// and the "write, then barrier, then signal" rule is taken directly from
// §5 of the boot core's concurrency model; there is no teacher precedent for
// SMP bring-up (internal/hv only ever drives single-vCPU or fully
// hypervisor-scheduled multi-vCPU guests), so this package is grounded on
// the specification's own ordering guarantees rather than adapted code.
package smp

import (
	"fmt"

	"github.com/tinyrange/simpleboot/internal/firmware"
	"github.com/tinyrange/simpleboot/internal/kernelload"
	"github.com/tinyrange/simpleboot/internal/trampoline"
)

// Arch selects which trampoline and signalling protocol BringUp uses.
type Arch int

const (
	ArchX86 Arch = iota
	ArchAarch64
)

// State is the result of a bring-up pass, consumed by the mbi tag writer's
// SMP tag and by Handover to decide how many AP stacks it must leave room
// for.
type State struct {
	NumCores int
	Running  int
	BSPID    uint32
	APIDs    []uint32
}

// Options carries everything BringUp needs beyond the firmware Capability
// and PhysWriter extension.
type Options struct {
	Arch          Arch
	MADT          MADT // ignored on Aarch64; BSPID/APIDs come from the device tree there on real hardware, but this core only ever targets a single spin-table range, so the caller supplies APCount directly
	APCount       int  // Aarch64 path: number of spin-table cores to publish, reach via ParkingProtocol addresses the caller already resolved
	TagBufferAddr uint64
	PageTableRoot uint64
	BSPID         uint32
}

// TSCReader abstracts the one piece of this package that needs inline
// assembly: reading the cycle counter to calibrate delay-based IPI timing.
type TSCReader interface {
	ReadTSC() uint64
}

// BringUp relocates the trampoline, starts every AP it can, waits up to
// 250ms (one retry) for each to flip its alive flag. It does not publish
// the shared semaphore word; PublishHandover does. It never fails outright: a core that doesn't
// respond is simply absent from State, per the specification's "total
// failure is logged but non-fatal" rule.
func BringUp(writer kernelload.PhysWriter, tsc TSCReader, cap firmware.Capability, opts Options) (State, error) {
	switch opts.Arch {
	case ArchX86:
		return bringUpX86(writer, tsc, cap, opts)
	case ArchAarch64:
		return bringUpAarch64(writer, cap, opts)
	default:
		return State{}, fmt.Errorf("smp: unknown architecture %d", opts.Arch)
	}
}

func writeU64(w kernelload.PhysWriter, addr, value uint64) error {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	return w.WritePhys(addr, buf[:])
}

func writeU32(w kernelload.PhysWriter, addr uint64, value uint32) error {
	var buf [4]byte
	for i := 0; i < 4; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	return w.WritePhys(addr, buf[:])
}

// PublishHandover writes the kernel entry point into the AP semaphore word
// with the ordering the specification requires: every other shared word
// first, a store-barrier, then the semaphore itself. On x86 the plain store
// suffices, since x86 does not reorder a store with earlier stores; the
// aarch64 caller must still issue
// its own `dsb ish` in the handover assembly stub immediately before the
// jump, since this function only performs the plain store.
func PublishHandover(w kernelload.PhysWriter, tagBuffer, entry uint64) error {
	if err := writeU64(w, trampoline.TagBufferPointer, tagBuffer); err != nil {
		return err
	}
	return writeU64(w, trampoline.APSemaphore, entry)
}
