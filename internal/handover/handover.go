// Package handover builds the final register/stack contract for the jump
// into a loaded kernel and carries it out. Every field here mirrors one
// line of the specification's per-mode handover-state table; the package
// is split the same way internal/firmware/ioport splits IN/OUT from its
// callers: a small pure-Go planning layer anyone can unit test, and one
// opaque, architecture-gated assembly primitive that actually performs the
// non-returning jump (Jump never returns when it succeeds, so it cannot be
// exercised by a test the way Plan construction can).
package handover

import (
	"fmt"

	"github.com/tinyrange/simpleboot/internal/kernelload"
	"github.com/tinyrange/simpleboot/internal/trampoline"
)

// Plan is the fully resolved register/stack state for one core's jump into
// either the kernel or, for an AP, the shared entry point it was parked
// waiting for.
type Plan struct {
	Arch  string // "x86", "aarch64"
	Entry uint64

	// RegA/RegB are loaded into every register the corresponding ABI might
	// read them from: for Multiboot2 that's magic (RegA) and the tags
	// buffer (RegB) in %eax/%ebx (MB32) or %rax/%rdi/%rcx and
	// %rbx/%rdx/%rsi (MB64); for Linux/x86 only RegB (the zero page)
	// matters, delivered in %rsi; for Aarch64 MB64, RegA/RegB are the
	// magic and tags pointer in x0/x1; for Aarch64 Linux, RegA is the DTB
	// pointer in x0 and RegB is unused (x1..x3 are zeroed).
	RegA uint64
	RegB uint64

	// CR3 is the physical address of the top-level page table to load
	// before the jump (x86 only). Zero means "leave CR3 as it is", used
	// for MB32 and Aarch64 handover; MB64 and Linux/x86 load the loader's
	// page-table root.
	CR3 uint64

	// Stack is the value loaded into the stack pointer immediately before
	// the jump. Zero means "leave the stack as it is" (Linux/x86, which
	// sets up its own stack very early in its 32-bit entry stub).
	Stack uint64
}

// BuildPlan resolves the handover state for the BSP's jump into img,
// following the per-mode table in the specification's Handover section.
// APs get their own plan from BuildAPPlan.
func BuildPlan(img *kernelload.KernelImage, tagBuffer, pageTableRoot, zeroPage uint64) (Plan, error) {
	switch img.Mode {
	case kernelload.ModeMB32:
		return Plan{
			Arch:  "x86",
			Entry: img.EntryPoint,
			RegA:  trampoline.Multiboot2Magic,
			RegB:  tagBuffer,
			Stack: trampoline.MB32StackTop,
		}, nil
	case kernelload.ModeMB64, kernelload.ModePE32:
		if img.Arch == "aarch64" {
			return Plan{
				Arch:  "aarch64",
				Entry: img.EntryPoint,
				RegA:  trampoline.Multiboot2Magic,
				RegB:  tagBuffer,
				Stack: trampoline.Aarch64StackTop,
			}, nil
		}
		return Plan{
			Arch:  "x86",
			Entry: img.EntryPoint,
			RegA:  trampoline.Multiboot2Magic,
			RegB:  tagBuffer,
			CR3:   pageTableRoot,
			Stack: trampoline.MB64StackTop,
		}, nil
	case kernelload.ModeLinux:
		if img.Arch == "aarch64" {
			return BuildLinuxAarch64Plan(zeroPage), nil
		}
		return Plan{
			Arch:  "x86",
			Entry: img.EntryPoint,
			RegB:  zeroPage,
			CR3:   pageTableRoot,
		}, nil
	default:
		return Plan{}, fmt.Errorf("handover: unsupported kernel mode %d", img.Mode)
	}
}

// aarch64LinuxLoadAddress is the fixed Image entry point from the Linux
// Aarch64 boot protocol, matching internal/kernelload's arm64LoadAddress.
const aarch64LinuxLoadAddress = 0x80000

// BuildLinuxAarch64Plan resolves the Aarch64 Image handover state: x0 = dtb,
// x1..x3 = 0, jump to the fixed Aarch64 load address.
func BuildLinuxAarch64Plan(dtbAddr uint64) Plan {
	return Plan{
		Arch:  "aarch64",
		Entry: aarch64LinuxLoadAddress,
		RegA:  dtbAddr,
	}
}

// BuildAPPlan resolves the shared entry point every parked AP jumps to once
// it observes the semaphore word, offsetting the stack by coreID*1024 per
// the specification's per-core stack carve-out.
func BuildAPPlan(bsp Plan, coreID int) Plan {
	ap := bsp
	switch bsp.Arch {
	case "x86":
		if ap.Stack == trampoline.MB64StackTop {
			ap.Stack -= uint64(coreID) * 1024
		}
	case "aarch64":
		ap.Stack -= uint64(coreID) * 1024
	}
	return ap
}

// BuildVBRPlan resolves the BIOS-fallback chainload state: drop to real
// mode and far-jump into a legacy VBR/boot-code sector already relocated to
// 0x7C00. There is no register contract beyond the entry address; the VBR
// itself is an opaque, firmware-specific boot sector this loader never
// interprets.
func BuildVBRPlan() Plan {
	return Plan{Arch: "x86", Entry: trampoline.VBRLoadAddress}
}

// Jump transfers control to plan.Entry with the resolved register and stack
// state loaded, and does not return when it succeeds. It returns an error
// only when plan.Arch doesn't match the architecture this binary was built
// for, since that can only mean a caller wired the wrong plan to the wrong
// build.
func Jump(plan Plan) error {
	return jumpArch(plan)
}
