package smp

// apTrampolineX86 is the startup stub every SIPI vector points at, relocated
// to trampoline.APTrampolineBase before the first INIT goes out. The SIPI
// vector encodes its page number, so each AP enters at offset 0 in 16-bit
// real mode with CS = 0x0800. The stub walks the AP up to long mode using
// the state the BSP published at the fixed low-memory addresses (GDT
// descriptor at 0x510, page-table root at 0x530), enables its local APIC,
// claims a per-core stack below 0x90000, and parks on the semaphore word at
// 0x538 until the BSP stores the kernel entry there.
//
// The listing mirrors the encoded bytes; offsets are relative to the blob's
// base. Both far jumps are absolute, which is why the blob must land at
// exactly APTrampolineBase.
var apTrampolineX86 = []byte{
	// ---- 16-bit real mode, CS=0x0800, IP=0 ----
	0xFA,       // 00: cli
	0x31, 0xC0, // 01: xor ax, ax
	0x8E, 0xD8, // 03: mov ds, ax
	0x0F, 0x01, 0x16, 0x10, 0x05, // 05: lgdt [0x510]
	0x0F, 0x20, 0xC0, // 0A: mov eax, cr0
	0x0C, 0x01, // 0D: or al, 1 (CR0.PE)
	0x0F, 0x22, 0xC0, // 0F: mov cr0, eax
	0xEA, 0x17, 0x80, 0x08, 0x00, // 12: jmp 0x08:0x8017

	// ---- 32-bit protected mode, selector 0x08 ----
	0x66, 0xB8, 0x10, 0x00, // 17: mov ax, 0x10
	0x8E, 0xD8, // 1B: mov ds, ax
	0x8E, 0xD0, // 1D: mov ss, ax
	0x0F, 0x20, 0xE0, // 1F: mov eax, cr4
	0x83, 0xC8, 0x20, // 22: or eax, 0x20 (CR4.PAE)
	0x0F, 0x22, 0xE0, // 25: mov cr4, eax
	0xA1, 0x30, 0x05, 0x00, 0x00, // 28: mov eax, [0x530] (page-table root)
	0x0F, 0x22, 0xD8, // 2D: mov cr3, eax
	0xB9, 0x80, 0x00, 0x00, 0xC0, // 30: mov ecx, 0xC0000080 (EFER)
	0x0F, 0x32, // 35: rdmsr
	0x0D, 0x00, 0x01, 0x00, 0x00, // 37: or eax, 0x100 (EFER.LME)
	0x0F, 0x30, // 3C: wrmsr
	0x0F, 0x20, 0xC0, // 3E: mov eax, cr0
	0x0D, 0x00, 0x00, 0x00, 0x80, // 41: or eax, 0x80000000 (CR0.PG)
	0x0F, 0x22, 0xC0, // 46: mov cr0, eax
	0xEA, 0x50, 0x80, 0x00, 0x00, 0x18, 0x00, // 49: jmp 0x18:0x8050

	// ---- 64-bit long mode, selector 0x18 ----
	0xB9, 0x1B, 0x00, 0x00, 0x00, // 50: mov ecx, 0x1B (IA32_APIC_BASE)
	0x0F, 0x32, // 55: rdmsr
	0x0D, 0x00, 0x08, 0x00, 0x00, // 57: or eax, 0x800 (APIC global enable)
	0x0F, 0x30, // 5C: wrmsr
	0xB0, 0x01, // 5E: mov al, 1
	0xF0, 0x0F, 0xC0, 0x04, 0x25, 0x58, 0x05, 0x00, 0x00, // 60: lock xadd [0x558], al
	0x0F, 0xB6, 0xC8, // 69: movzx ecx, al
	0xFF, 0xC1, // 6C: inc ecx (coreid: BSP is 0)
	0x89, 0xC8, // 6E: mov eax, ecx
	0xC1, 0xE0, 0x0A, // 70: shl eax, 10
	0xBC, 0x00, 0x00, 0x09, 0x00, // 73: mov esp, 0x90000
	0x29, 0xC4, // 78: sub esp, eax (stack = 0x90000 - coreid*1024)
	0x51, // 7A: push rcx (coreid on top of the stack)
	// spin until the BSP publishes the kernel entry:
	0x48, 0x8B, 0x04, 0x25, 0x38, 0x05, 0x00, 0x00, // 7B: mov rax, [0x538]
	0x48, 0x85, 0xC0, // 83: test rax, rax
	0x74, 0xF3, // 86: jz 0x7B
	0x49, 0x89, 0xC0, // 88: mov r8, rax
	0x48, 0x8B, 0x1C, 0x25, 0x40, 0x05, 0x00, 0x00, // 8B: mov rbx, [0x540] (tag buffer)
	0x48, 0x89, 0xDA, // 93: mov rdx, rbx
	0x48, 0x89, 0xDE, // 96: mov rsi, rbx
	0xB8, 0x89, 0x62, 0xD7, 0x36, // 99: mov eax, 0x36D76289
	0x48, 0x89, 0xC7, // 9E: mov rdi, rax
	0x48, 0x89, 0xC1, // A1: mov rcx, rax
	0x41, 0xFF, 0xE0, // A4: jmp r8
}

// gdtImage is the low-memory GDT the trampoline's lgdt points at: a null
// descriptor, flat 32-bit code (0x08), flat data (0x10), and 64-bit code
// (0x18), with the remaining two slots left null for a kernel to install a
// TSS descriptor into. 48 bytes, matching the 0x560-0x590 window.
var gdtImage = []byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // null
	0xFF, 0xFF, 0x00, 0x00, 0x00, 0x9A, 0xCF, 0x00, // 0x08: code32, base 0, limit 4G
	0xFF, 0xFF, 0x00, 0x00, 0x00, 0x92, 0xCF, 0x00, // 0x10: data, base 0, limit 4G
	0xFF, 0xFF, 0x00, 0x00, 0x00, 0x9A, 0xAF, 0x00, // 0x18: code64 (L=1)
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}
