// Package trampoline names the fixed low-memory addresses the BSP publishes
// before handover so that kernels (and the SMP spin loop) can find them
// without a discovery protocol. Every constant here is documented in the
// external-interfaces section of the specification; nothing here is
// load-bearing for the Go build, it exists so every package that pokes one of
// these addresses agrees on the same name.
package trampoline

const (
	// GDTDescriptor is the 48-bit GDT pseudo-descriptor (limit:base).
	GDTDescriptor = 0x510
	// IDTDescriptor is the null IDT pseudo-descriptor loaded before handover.
	IDTDescriptor = 0x520
	// PageTableRoot holds the physical address of the top-level page table
	// (CR3 on x86_64, TTBR0_EL1 on aarch64). APs read this; only the BSP writes it.
	PageTableRoot = 0x530
	// APSemaphore holds the kernel entry point. Zero means "still spinning".
	// The BSP publishes this with release semantics (a plain store on x86,
	// dsb ish on aarch64) after every other shared word below is settled.
	APSemaphore = 0x538
	// TagBufferPointer is the physical address of the MBI tag buffer (or the
	// Linux zero page), handed to every core that wakes from the semaphore.
	TagBufferPointer = 0x540
	// CyclesPerMillisecond is the BSP's rdtsc-measured clock rate, written
	// by the SMP engine at bring-up; its own IPI delays use DelayMicros.
	CyclesPerMillisecond = 0x548
	// LAPICBase is the physical base address of the local APIC discovered
	// from the MADT (or its architectural default).
	LAPICBase = 0x550
	// APAliveFlag is incremented by each AP as it reaches its spin loop; the
	// BSP polls it to detect a responding core within the 250 ms budget.
	APAliveFlag = 0x558
	// GDTTableBase starts the 48-byte GDT: null, code32, data and code64
	// descriptors, then two null slots reserved for a TSS descriptor.
	GDTTableBase = 0x560
	// GDTTableEnd is the address one past the last byte of the GDT table.
	GDTTableEnd = 0x590

	// APTrampolineBase is where the real-mode-to-long-mode AP trampoline is
	// relocated on x86 (must be below 1 MiB and page-aligned for the SIPI
	// vector encoding: vector 0x08 means CS = 0x0800, i.e. physical 0x8000).
	APTrampolineBase = 0x8000

	// MB32StackTop is the protected-mode handover stack pointer.
	MB32StackTop = 0x8FFF4
	// MB64StackTop is the long-mode handover stack pointer for the BSP; APs
	// use MB64StackTop - coreid*1024.
	MB64StackTop = 0x90000
	// LinuxZeroPageAddress is where the BIOS/coreboot path places boot_params.
	LinuxZeroPageAddress = 0x90000

	// Aarch64StackTop is the EL1 handover stack pointer for the BSP; APs use
	// Aarch64StackTop - coreid*1024.
	Aarch64StackTop = 0x80000

	// VBRLoadAddress is where a legacy boot sector is loaded for the BIOS
	// firmware-fallback chain-load path.
	VBRLoadAddress = 0x7C00

	// Multiboot2Magic is the value placed in the architecture's "magic"
	// register on MB32/MB64 handover.
	Multiboot2Magic = 0x36D76289
)
