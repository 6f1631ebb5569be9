package handover

import (
	"testing"

	"github.com/tinyrange/simpleboot/internal/kernelload"
	"github.com/tinyrange/simpleboot/internal/trampoline"
)

func TestBuildPlanMB32(t *testing.T) {
	img := &kernelload.KernelImage{Mode: kernelload.ModeMB32, Arch: "x86", EntryPoint: 0x100000}
	plan, err := BuildPlan(img, 0x200000, 0, 0)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.RegA != trampoline.Multiboot2Magic {
		t.Errorf("RegA = %#x, want Multiboot2 magic", plan.RegA)
	}
	if plan.RegB != 0x200000 {
		t.Errorf("RegB = %#x, want tag buffer 0x200000", plan.RegB)
	}
	if plan.Stack != trampoline.MB32StackTop {
		t.Errorf("Stack = %#x, want %#x", plan.Stack, trampoline.MB32StackTop)
	}
	if plan.CR3 != 0 {
		t.Errorf("CR3 = %#x, want 0 (MB32 has no paging)", plan.CR3)
	}
}

func TestBuildPlanMB64(t *testing.T) {
	img := &kernelload.KernelImage{Mode: kernelload.ModeMB64, Arch: "x86", EntryPoint: 0x100000}
	plan, err := BuildPlan(img, 0x200000, 0x400000, 0)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.CR3 != 0x400000 {
		t.Errorf("CR3 = %#x, want 0x400000", plan.CR3)
	}
	if plan.Stack != trampoline.MB64StackTop {
		t.Errorf("Stack = %#x, want %#x", plan.Stack, trampoline.MB64StackTop)
	}
}

func TestBuildPlanLinuxX86(t *testing.T) {
	img := &kernelload.KernelImage{Mode: kernelload.ModeLinux, Arch: "x86", EntryPoint: 0x100200}
	plan, err := BuildPlan(img, 0, 0x400000, 0x90000)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.RegB != 0x90000 {
		t.Errorf("RegB (zero page, delivered in rsi) = %#x, want 0x90000", plan.RegB)
	}
	if plan.Entry != 0x100200 {
		t.Errorf("Entry = %#x, want pref_address+0x200 = 0x100200", plan.Entry)
	}
	if plan.Stack != 0 {
		t.Errorf("Stack = %#x, want 0 (Linux/x86 sets up its own)", plan.Stack)
	}
}

func TestBuildPlanMB64Aarch64(t *testing.T) {
	img := &kernelload.KernelImage{Mode: kernelload.ModeMB64, Arch: "aarch64", EntryPoint: 0x80000}
	plan, err := BuildPlan(img, 0x200000, 0, 0)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Arch != "aarch64" {
		t.Fatalf("Arch = %q, want aarch64", plan.Arch)
	}
	if plan.Stack != trampoline.Aarch64StackTop {
		t.Errorf("Stack = %#x, want %#x", plan.Stack, trampoline.Aarch64StackTop)
	}
}

func TestBuildLinuxAarch64Plan(t *testing.T) {
	plan := BuildLinuxAarch64Plan(0x4F000000)
	if plan.Entry != aarch64LinuxLoadAddress {
		t.Errorf("Entry = %#x, want %#x", plan.Entry, aarch64LinuxLoadAddress)
	}
	if plan.RegA != 0x4F000000 {
		t.Errorf("RegA (dtb, delivered in x0) = %#x, want 0x4F000000", plan.RegA)
	}
}

func TestBuildAPPlanOffsetsStackByCoreID(t *testing.T) {
	img := &kernelload.KernelImage{Mode: kernelload.ModeMB64, Arch: "x86", EntryPoint: 0x100000}
	bsp, err := BuildPlan(img, 0x200000, 0x400000, 0)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	ap := BuildAPPlan(bsp, 2)
	want := uint64(trampoline.MB64StackTop - 2*1024)
	if ap.Stack != want {
		t.Errorf("AP stack = %#x, want %#x", ap.Stack, want)
	}
	if ap.Entry != bsp.Entry || ap.RegA != bsp.RegA {
		t.Errorf("AP plan should share entry/RegA with the BSP plan")
	}
}

func TestBuildVBRPlan(t *testing.T) {
	plan := BuildVBRPlan()
	if plan.Entry != trampoline.VBRLoadAddress {
		t.Errorf("Entry = %#x, want %#x", plan.Entry, trampoline.VBRLoadAddress)
	}
}

func TestBuildPlanRejectsUnknownMode(t *testing.T) {
	img := &kernelload.KernelImage{Mode: kernelload.Mode(99)}
	if _, err := BuildPlan(img, 0, 0, 0); err == nil {
		t.Fatalf("BuildPlan accepted an unrecognized kernel mode")
	}
}
