// The pipeline driver wires every internal package into the single data
// flow: configuration -> kernel load -> page map -> framebuffer/splash ->
// optional SMP bring-up -> modules -> DSDT override -> MBI/zero-page
// synthesis or DTB patch -> handover. It is deliberately one file with one entry point
// (Boot) rather than a package of its own, matching the "thin entry point"
// framing of this command and keeping the whole sequence auditable in one
// read, the way the teacher's cmd/cc-helper/main.go keeps its one-shot
// provisioning sequence in a single run() instead of spreading it across a
// library package only it calls.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/acpipatch"
	"github.com/tinyrange/simpleboot/internal/bootconfig"
	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/bootlog"
	"github.com/tinyrange/simpleboot/internal/dtbpatch"
	"github.com/tinyrange/simpleboot/internal/fat32"
	"github.com/tinyrange/simpleboot/internal/fdt"
	"github.com/tinyrange/simpleboot/internal/firmware"
	"github.com/tinyrange/simpleboot/internal/handover"
	"github.com/tinyrange/simpleboot/internal/inflate"
	"github.com/tinyrange/simpleboot/internal/kernelload"
	"github.com/tinyrange/simpleboot/internal/mbi"
	"github.com/tinyrange/simpleboot/internal/pagemap"
	"github.com/tinyrange/simpleboot/internal/smp"
	"github.com/tinyrange/simpleboot/internal/splash"
	"github.com/tinyrange/simpleboot/internal/trampoline"
)

// Configuration is read from the preferred path first, then the
// easyboot-compatible fallback location.
var configPaths = []string{"/simpleboot.cfg", "/easyboot/menu.cfg"}

// physPeeker is implemented by whatever stands behind the Capability when
// physical memory happens to already be readable by address at this stage
// of boot (identity-mapped on every firmware variant this core targets,
// before the page map below replaces it). It is not part of
// firmware.Capability: only ACPI/DTB table discovery needs it, and a
// Capability that can't offer it simply skips those steps rather than
// failing the boot.
type physPeeker interface {
	ReadPhys(phys uint64, n int) []byte
}

// Deps bundles the side channels Boot needs beyond the firmware Capability
// itself: a physical-memory writer for segment/table placement, and an
// optional TSC reader the SMP engine uses to calibrate IPI delays.
type Deps struct {
	Writer kernelload.PhysWriter
	TSC    smp.TSCReader
}

// Boot runs the pipeline once against the primary configuration; if that
// attempt fails because the user cancelled a long read or the primary
// config/kernel is missing, it restarts once from the backup entry instead
// of parking the machine, then hands over to the loaded kernel. Jump does
// not return on success.
func Boot(ctx context.Context, cap firmware.Capability, deps Deps, log *bootlog.Console) error {
	plan, err := attemptBoot(ctx, cap, deps, log, bootconfig.Primary)
	if err != nil && (errors.Is(err, bootctx.ErrUserCancel) || errors.Is(err, bootctx.ErrFileNotFound)) {
		log.Warnf("primary boot attempt failed (%v), retrying from backup entry", err)
		plan, err = attemptBoot(ctx, cap, deps, log, bootconfig.Backup)
	}
	if err != nil {
		if errors.Is(err, bootctx.ErrFileNotFound) {
			if vbrPlan, ok := vbrFallback(ctx, cap, deps, log); ok {
				return jump(vbrPlan)
			}
		}
		return err
	}
	return jump(plan)
}

// jump is handover.Jump behind a seam so Boot's retry and fallback logic
// can be exercised without actually transferring control off the test
// process.
var jump = handover.Jump

// vbrFallback implements the last-resort BIOS chain-load: when no kernel
// could be found on either the primary or backup entry but the boot
// partition carries a bootable volume boot record, that sector is loaded
// to the legacy address and control handed to whatever it is.
func vbrFallback(ctx context.Context, cap firmware.Capability, deps Deps, log *bootlog.Console) (handover.Plan, bool) {
	if cap.Variant() != firmware.VariantBIOS {
		return handover.Plan{}, false
	}
	part, err := fat32.FindPartition(ctx, cap)
	if err != nil {
		return handover.Plan{}, false
	}
	sector := make([]byte, 512)
	if err := cap.SectorRead(part.StartLBA, sector); err != nil {
		return handover.Plan{}, false
	}
	// Bootable means a 0x55AA signature plus real code behind the BPB: a
	// short or near jump in the first byte, the way every DOS/NT-era VBR
	// begins.
	if binary.LittleEndian.Uint16(sector[510:512]) != 0xAA55 {
		return handover.Plan{}, false
	}
	if sector[0] != 0xEB && sector[0] != 0xE9 {
		return handover.Plan{}, false
	}
	if err := deps.Writer.WritePhys(trampoline.VBRLoadAddress, sector); err != nil {
		return handover.Plan{}, false
	}
	log.Warnf("no kernel found; chain-loading the volume boot record")
	return handover.BuildVBRPlan(), true
}

func attemptBoot(ctx context.Context, cap firmware.Capability, deps Deps, log *bootlog.Console, mode bootconfig.Mode) (handover.Plan, error) {
	vol, err := fat32.Open(ctx, cap)
	if err != nil {
		return handover.Plan{}, fmt.Errorf("%w: %v", bootctx.ErrNoValidFilesystem, err)
	}

	var cfgText bytes.Buffer
	found := false
	for _, path := range configPaths {
		// The easyboot fallback location only carries a primary entry;
		// backup attempts don't consult it.
		if path != configPaths[0] && mode == bootconfig.Backup {
			continue
		}
		cfgText.Reset()
		err = vol.ReadFile(path, &cfgText, fat32.ReadFileOptions{CancelOnKey: true})
		if err == nil {
			found = true
			break
		}
		if !errors.Is(err, bootctx.ErrFileNotFound) {
			return handover.Plan{}, err
		}
	}
	if !found {
		// A missing config is a warning, not a failure: parsing empty text
		// yields the defaults, including the built-in kernel path.
		log.Warnf("no configuration file found, using defaults")
		cfgText.Reset()
	}
	cfg, err := bootconfig.Parse(cfgText.String(), mode)
	if err != nil {
		return handover.Plan{}, err
	}
	for _, w := range cfg.Warnings {
		log.Warnf("%s", w)
	}

	if cfg.Verbose > 0 {
		log.Infof("Loading kernel %s...", cfg.KernelPath)
	}
	var kernelRaw bytes.Buffer
	if err := vol.ReadFile(cfg.KernelPath, &kernelRaw, fat32.ReadFileOptions{ShowProgress: true, Label: "kernel", CancelOnKey: true}); err != nil {
		return handover.Plan{}, err
	}
	kernelImage, err := inflate.DecompressAll(bytes.NewReader(kernelRaw.Bytes()))
	if err != nil {
		return handover.Plan{}, err
	}
	img, err := kernelload.Sniff(kernelImage)
	if err != nil {
		return handover.Plan{}, fmt.Errorf("%w: %v", bootctx.ErrUnsupportedKernel, err)
	}

	memMap, err := cap.MemoryMap()
	if err != nil {
		return handover.Plan{}, err
	}
	ramTop := bootctx.TopOfRAM(memMap)

	mapper, err := pagemap.New(cap, ramTop)
	if err != nil {
		return handover.Plan{}, fmt.Errorf("%w: %v", bootctx.ErrOutOfMemory, err)
	}

	if err := kernelload.Load(deps.Writer, mapper, img, kernelImage, kernelload.Constraints{MemoryMap: memMap, RAMTop: ramTop}); err != nil {
		return handover.Plan{}, err
	}

	fb := acquireFramebuffer(cap, cfg)
	if fb != nil {
		if err := mapper.MapFramebuffer(fb.Address, uint64(fb.Pitch)*uint64(fb.Height)); err != nil {
			log.Warnf("framebuffer map: %v", err)
			fb = nil
		}
	}
	if fb != nil {
		// A real build backs this with an unsafe.Pointer slice over
		// fb.Address; hosted tests and this entry point only need the
		// composition logic to run, not a real display, so a scratch
		// buffer of the framebuffer's own size stands in (see bios.go's
		// writeVGACell for the same hosted-vs-freestanding split).
		screen := splash.NewFramebuffer(fb, make([]byte, int(fb.Pitch)*int(fb.Height)))
		screen.Fill(cfg.SplashColor)
		if cfg.SplashPath != "" {
			renderSplash(vol, screen, cfg.SplashPath, log)
		}
		// From here on every console line also lands on the framebuffer
		// as font glyphs, composited over the splash background.
		log.Add(splash.NewTextConsole(screen, splash.DefaultFont(), cfg.SplashColor))
	}

	tagBuffer, err := cap.AllocPage()
	if err != nil {
		return handover.Plan{}, fmt.Errorf("%w: %v", bootctx.ErrOutOfMemory, err)
	}

	tables, _ := cap.FindSystemTables()

	// SMP is silently disabled for any kernel that isn't 64-bit Multiboot2:
	// only that handover contract defines the AP spin protocol. A
	// single-core boot still reports the BSP itself.
	smpState := smp.State{NumCores: 1, Running: 1}
	if cfg.Multicore && img.Mode == kernelload.ModeMB64 {
		if madt, ok := discoverMADT(cap, tables); ok {
			smpState, err = smp.BringUp(deps.Writer, deps.TSC, cap, smp.Options{
				Arch:          smpArch(img.Arch),
				MADT:          madt,
				APCount:       len(madt.Processors),
				TagBufferAddr: tagBuffer,
				PageTableRoot: mapper.Root(),
			})
			if err != nil && !errors.Is(err, bootctx.ErrApTimeout) {
				log.Warnf("smp bring-up: %v", err)
			}
		} else {
			log.Warnf("multicore requested but no MADT was found; continuing single-core")
		}
	}

	var modules []moduleTag
	var moduleDTBAddr uint64
	var dsdtOverrideAddr uint64
	for _, m := range cfg.Modules {
		if cfg.Verbose > 0 {
			log.Infof("Loading module %s...", m.Path)
		}
		var raw bytes.Buffer
		if err := vol.ReadFile(m.Path, &raw, fat32.ReadFileOptions{ShowProgress: true, Label: m.Path}); err != nil {
			log.Warnf("module %s: %v", m.Path, err)
			continue
		}
		payload, err := inflate.DecompressAll(bytes.NewReader(raw.Bytes()))
		if err != nil {
			log.Warnf("module %s: %v", m.Path, err)
			continue
		}
		// A module identified as a DTB, DSDT, or GUDT blob by its
		// decompressed content never gets a module tag: its address
		// instead replaces the kernel's own ACPI DSDT or device tree.
		switch {
		case isDTBBlob(payload):
			addr, err := placeModule(cap, deps.Writer, payload)
			if err != nil {
				log.Warnf("module %s: %v", m.Path, err)
				continue
			}
			moduleDTBAddr = uint64(addr)
		case isACPIOverrideBlob(payload):
			addr, err := placeModule(cap, deps.Writer, payload)
			if err != nil {
				log.Warnf("module %s: %v", m.Path, err)
				continue
			}
			dsdtOverrideAddr = uint64(addr)
		default:
			start, err := placeModule(cap, deps.Writer, payload)
			if err != nil {
				log.Warnf("module %s: %v", m.Path, err)
				continue
			}
			modules = append(modules, moduleTag{start: start, end: start + uint32(len(payload)), cmdline: m.Path})
		}
	}

	if dsdtOverrideAddr != 0 {
		if err := applyDSDTOverride(cap, deps.Writer, tables, dsdtOverrideAddr); err != nil {
			log.Warnf("acpi dsdt override: %v", err)
		}
	}

	var zeroPageAddr uint64
	switch {
	case img.Mode == kernelload.ModeLinux && img.Arch == "aarch64":
		// BuildPlan's aarch64 Linux case reads this slot as the DTB
		// address (x0 on entry), not a zero page; there is no separate
		// field for it since the two kernel types never share a plan. A
		// module already identified as a DTB blob overrides whatever
		// firmware would otherwise hand over, the same way dsdt_ptr wins
		// unconditionally once a module sets it.
		var dtbAddr uint64
		if moduleDTBAddr != 0 {
			dtbAddr = moduleDTBAddr
		} else {
			dtbAddr, err = resolveAarch64DTB(cap, deps.Writer, tables, cfg.Cmdline, memMap, log)
			if err != nil {
				return handover.Plan{}, err
			}
		}
		zeroPageAddr = dtbAddr
	case img.Mode == kernelload.ModeLinux:
		zp, err := buildZeroPage(img, cfg, memMap, tables, modules, fb)
		if err != nil {
			return handover.Plan{}, err
		}
		zeroPageAddr = trampoline.LinuxZeroPageAddress
		if err := deps.Writer.WritePhys(zeroPageAddr, zp); err != nil {
			return handover.Plan{}, err
		}
		if err := deps.Writer.WritePhys(zeroPageAddr+0x1000, append([]byte(cfg.Cmdline), 0)); err != nil {
			return handover.Plan{}, err
		}
	default:
		loaderName := "Simpleboot"
		if mode == bootconfig.Backup {
			loaderName = "Simpleboot (backup)"
		}
		buf := mbi.Build(func(ts *mbi.TagStream) {
			ts.BootLoaderName(loaderName)
			ts.Cmdline(cfg.Cmdline)
			ts.MemoryMap(memMap)
			for _, m := range modules {
				ts.Module(m.start, m.end, m.cmdline)
			}
			if fb != nil {
				ts.Framebuffer(fb.Address, fb.Pitch, fb.Width, fb.Height, fb.BPP,
					[2]uint8{fb.RedMaskSize, fb.RedFieldPos},
					[2]uint8{fb.GreenMaskSize, fb.GreenFieldPos},
					[2]uint8{fb.BlueMaskSize, fb.BlueFieldPos})
				ts.EDID(fb.EDID)
			}
			if tables.SMBIOSEntry != 0 {
				var anchor []byte
				if peek, ok := cap.(physPeeker); ok {
					anchor = peek.ReadPhys(tables.SMBIOSEntry, 31)
				}
				ts.SMBIOS(tables.SMBIOSMajor, tables.SMBIOSMinor, anchor)
			}
			if tables.HasRSDP() {
				if raw, ok := readRSDP(cap, tables.RSDP); ok {
					if len(raw) >= 36 {
						ts.ACPINew(raw)
					} else {
						ts.ACPIOld(raw)
					}
				}
			}
			if tables.EFISystemTable != 0 {
				ts.EFI64SystemTable(tables.EFISystemTable)
				ts.EFI64ImageHandle(tables.EFIImageHandle)
			}
			ts.SMP(uint32(smpState.NumCores), uint32(smpState.Running), smpState.BSPID)
			ts.PartUUID(vol.BootUUID(), nil)
		})
		if err := deps.Writer.WritePhys(tagBuffer, buf); err != nil {
			return handover.Plan{}, err
		}
	}

	plan, err := handover.BuildPlan(img, tagBuffer, mapper.Root(), zeroPageAddr)
	if err != nil {
		return handover.Plan{}, err
	}
	// Wake any parked APs: publish the tag buffer, then the entry point.
	// PublishHandover orders the two stores per the shared-word protocol.
	if smpState.Running > 0 {
		if err := smp.PublishHandover(deps.Writer, tagBuffer, plan.Entry); err != nil {
			return handover.Plan{}, err
		}
	}
	return plan, nil
}

// acquireFramebuffer asks the firmware for a mode at or below the config's
// preferred dimensions, defaulting to 1024x768x32 when the config names
// none. A nil return means text-only output; that is never an error.
func acquireFramebuffer(cap firmware.Capability, cfg *bootconfig.Config) *firmware.FramebufferInfo {
	w, h, bpp := cfg.FBWidth, cfg.FBHeight, cfg.FBBpp
	if w == 0 || h == 0 {
		w, h = 1024, 768
	}
	if bpp == 0 {
		bpp = 32
	}
	fb, err := cap.FramebufferAcquire(w, h, bpp)
	if err != nil || fb == nil {
		return nil
	}
	return fb
}

type moduleTag struct {
	start, end uint32
	cmdline    string
}

// placeModule copies a module's bytes into freshly allocated physical
// pages and returns the start address. Pages handed out by successive
// AllocPage calls are contiguous on every variant's bump allocator (the
// one UEFI uses included, since it only ever grows its tracked-allocations
// table forward); a non-contiguous allocator would need this to request a
// run of pages atomically instead.
func placeModule(cap firmware.Capability, writer kernelload.PhysWriter, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("module has no content")
	}
	start, err := cap.AllocPage()
	if err != nil {
		return 0, err
	}
	pages := (len(data) + 4095) / 4096
	for i := 1; i < pages; i++ {
		if _, err := cap.AllocPage(); err != nil {
			return 0, err
		}
	}
	if start > 0xFFFFFFFF {
		return 0, fmt.Errorf("module placed above 4GiB, Multiboot2 module tags can't address it")
	}
	if err := writer.WritePhys(start, data); err != nil {
		return 0, err
	}
	return uint32(start), nil
}

func smpArch(arch string) smp.Arch {
	if arch == "aarch64" {
		return smp.ArchAarch64
	}
	return smp.ArchX86
}

// isDTBBlob reports whether a decompressed module's content begins with
// the flattened-device-tree magic, per the loader's own module-content
// sniff (§4.8's DTB path).
func isDTBBlob(data []byte) bool {
	return len(data) >= 4 && data[0] == 0xD0 && data[1] == 0x0D && data[2] == 0xFE && data[3] == 0xED
}

// isACPIOverrideBlob reports whether a decompressed module's content
// carries a "DSDT" or "GUDT" table signature, identifying it as a
// replacement ACPI DSDT rather than an ordinary module (§4.8's ACPI path).
func isACPIOverrideBlob(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	sig := string(data[0:4])
	return sig == "DSDT" || sig == "GUDT"
}

// resolveRootSDT reads and validates the firmware's RSDP and returns its
// RSDT/XSDT body plus a physical-memory reader, for any caller that needs
// to walk the table list itself (discoverMADT, applyDSDTOverride). It
// returns ok=false rather than an error: a missing or malformed ACPI chain
// just means the caller's feature is unavailable, never a boot-aborting
// condition on its own.
func resolveRootSDT(cap firmware.Capability, tables firmware.SystemTables) (sdtBody []byte, is64Bit bool, read func(phys uint64, n int) ([]byte, error), ok bool) {
	peek, peekable := cap.(physPeeker)
	if !peekable || tables.RSDP == 0 {
		return nil, false, nil, false
	}
	read = func(phys uint64, n int) ([]byte, error) { return peek.ReadPhys(phys, n), nil }

	rsdpRaw := peek.ReadPhys(tables.RSDP, 36)
	info, err := acpipatch.ParseRSDP(rsdpRaw)
	if err != nil || !info.ChecksumOK {
		return nil, false, nil, false
	}

	is64Bit = info.Revision >= 2 && info.XSDTAddr != 0
	sdtAddr := uint64(info.RSDTAddr)
	if is64Bit {
		sdtAddr = info.XSDTAddr
	}
	sdtHeader, err := read(sdtAddr, 36)
	if err != nil {
		return nil, false, nil, false
	}
	length := int(leUint32(sdtHeader[4:8]))
	sdtBody, err = read(sdtAddr, length)
	if err != nil {
		return nil, false, nil, false
	}
	return sdtBody, is64Bit, read, true
}

// discoverMADT walks RSDP -> XSDT/RSDT -> MADT using whatever physPeeker
// the Capability offers. It returns ok=false rather than an error for any
// failure along the way: a missing or malformed ACPI chain just means SMP
// bring-up is skipped, never a boot-aborting condition.
func discoverMADT(cap firmware.Capability, tables firmware.SystemTables) (smp.MADT, bool) {
	sdtBody, is64Bit, read, ok := resolveRootSDT(cap, tables)
	if !ok {
		return smp.MADT{}, false
	}

	_, madtFull, err := acpipatch.FindTableInXSDT(sdtBody, is64Bit, "APIC", read)
	if err != nil || len(madtFull) < 36 {
		return smp.MADT{}, false
	}
	madt, err := smp.ParseMADT(madtFull[36:])
	if err != nil {
		return smp.MADT{}, false
	}
	return madt, true
}

// applyDSDTOverride repoints the firmware's FADT at a kernel-supplied
// replacement DSDT/GUDT blob already placed in physical memory: locate
// RSDP -> RSDT/XSDT -> FADT, patch its DSDT/X_DSDT pointers, recompute the
// checksum so the table still sums to zero, and write it back in place.
func applyDSDTOverride(cap firmware.Capability, writer kernelload.PhysWriter, tables firmware.SystemTables, dsdtAddr uint64) error {
	sdtBody, is64Bit, read, ok := resolveRootSDT(cap, tables)
	if !ok {
		return fmt.Errorf("%w: no usable ACPI root table to patch", bootctx.ErrIoError)
	}
	fadtAddr, fadtFull, err := acpipatch.FindTableInXSDT(sdtBody, is64Bit, "FACP", read)
	if err != nil {
		return err
	}
	if dsdtAddr > 0xFFFFFFFF {
		return fmt.Errorf("%w: replacement DSDT above 4GiB, FADT.dsdt can't address it", bootctx.ErrIoError)
	}
	if err := acpipatch.PatchFADT(fadtFull, uint32(dsdtAddr), dsdtAddr); err != nil {
		return err
	}
	return writer.WritePhys(fadtAddr, fadtFull)
}

func readRSDP(cap firmware.Capability, addr uint64) ([]byte, bool) {
	peek, ok := cap.(physPeeker)
	if !ok {
		return nil, false
	}
	raw := peek.ReadPhys(addr, 20)
	if len(raw) >= 20 && raw[15] >= 2 {
		raw = peek.ReadPhys(addr, 36)
	}
	return raw, true
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// buildZeroPage assembles the Linux boot_params page for a sniffed
// Linux/x86 kernel, filling in the ramdisk/cmdline/RSDP/EFI fields from
// whatever modules and system tables were found. Multiboot2 kernels never
// reach this path.
func buildZeroPage(img *kernelload.KernelImage, cfg *bootconfig.Config, memMap []bootctx.MemoryMapEntry, tables firmware.SystemTables, modules []moduleTag, fb *firmware.FramebufferInfo) ([]byte, error) {
	in := mbi.ZeroPageInputs{
		Header:      img.LinuxHeader,
		LoadAddr:    img.LinuxHeader.PrefAddress,
		Cmdline:     cfg.Cmdline,
		CmdlineAddr: trampoline.LinuxZeroPageAddress + 0x1000,
		MemoryMap:   memMap,
		RSDPAddr:    tables.RSDP,
		EFISystemTable: tables.EFISystemTable,
	}
	if fb != nil {
		in.Framebuffer = &mbi.ZeroPageFramebuffer{
			Address: fb.Address,
			Pitch:   fb.Pitch,
			Width:   fb.Width,
			Height:  fb.Height,
			BPP:     fb.BPP,
		}
	}
	if len(modules) > 0 {
		in.InitrdAddr = uint64(modules[0].start)
		in.InitrdSize = modules[0].end - modules[0].start
	}
	return mbi.BuildZeroPage(in)
}

// renderSplash loads, decodes, and blits the configured boot-splash image
// onto an already background-filled screen. Any failure here is cosmetic:
// it is logged and the boot continues text-only.
func renderSplash(vol *fat32.Volume, screen *splash.Framebuffer, path string, log *bootlog.Console) {
	var raw bytes.Buffer
	if err := vol.ReadFile(path, &raw, fat32.ReadFileOptions{}); err != nil {
		log.Warnf("splash %s: %v", path, err)
		return
	}
	img, err := splash.DecodeTGA(raw.Bytes())
	if err != nil {
		log.Warnf("splash %s: %v", path, err)
		return
	}
	screen.BlitCentered(img)
}

// resolveAarch64DTB produces the device tree handed to an Aarch64 Linux
// kernel in x0: the firmware-provided tree with its bootargs patched when
// one is available and physically readable, or a minimal tree built from
// scratch (internal/fdt) when it isn't — a coreboot-arm or bare-metal build
// with no GPU firmware or UEFI stage to hand one over still needs to boot.
func resolveAarch64DTB(cap firmware.Capability, writer kernelload.PhysWriter, tables firmware.SystemTables, cmdline string, memMap []bootctx.MemoryMapEntry, log *bootlog.Console) (uint64, error) {
	if tables.DTB != 0 {
		if addr, ok := patchDTB(cap, writer, tables.DTB, cmdline, log); ok {
			return addr, nil
		}
		log.Warnf("dtb patch failed, synthesizing a minimal device tree instead")
	}
	blob, err := synthesizeDTB(cmdline, memMap)
	if err != nil {
		return 0, fmt.Errorf("%w: synthesize device tree: %v", bootctx.ErrUnsupportedKernel, err)
	}
	dest, err := cap.AllocPage()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", bootctx.ErrOutOfMemory, err)
	}
	if err := writer.WritePhys(dest, blob); err != nil {
		return 0, err
	}
	return dest, nil
}

// synthesizeDTB builds the smallest device tree a Linux/Aarch64 kernel
// needs to find its console and memory: a root node declaring 64-bit
// addressing, /chosen/bootargs carrying the parsed command line, and one
// /memory node listing every available region of the firmware memory map.
func synthesizeDTB(cmdline string, memMap []bootctx.MemoryMapEntry) ([]byte, error) {
	var memRegs []uint64
	for _, e := range memMap {
		if e.Kind != bootctx.MemoryAvailable {
			continue
		}
		memRegs = append(memRegs, e.Base, e.Length)
	}
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"linux,dummy-virt"}},
		},
		Children: []fdt.Node{
			fdt.Chosen(cmdline),
			fdt.Memory("memory@0", memRegs),
		},
	}
	return fdt.Build(root)
}

// patchDTB repoints the firmware-provided flattened device tree's chosen
// bootargs at the parsed kernel command line and writes the patched blob
// back to a fresh allocation, the way the Linux/Aarch64 handover contract
// expects (x0 = new DTB address). ok is false if the tree wasn't physically
// readable or didn't parse; the caller falls back to synthesizing one.
func patchDTB(cap firmware.Capability, writer kernelload.PhysWriter, dtbAddr uint64, cmdline string, log *bootlog.Console) (addr uint64, ok bool) {
	peek, peekable := cap.(physPeeker)
	if !peekable {
		return 0, false
	}
	header := peek.ReadPhys(dtbAddr, 40)
	if len(header) < 40 {
		return 0, false
	}
	totalSize := binary.BigEndian.Uint32(header[4:8])
	blob := peek.ReadPhys(dtbAddr, int(totalSize))
	tree, err := dtbpatch.Parse(blob)
	if err != nil {
		log.Warnf("dtb patch: %v", err)
		return 0, false
	}
	tree.SetBootargs(cmdline)
	patched, err := tree.Serialize()
	if err != nil {
		log.Warnf("dtb patch: %v", err)
		return 0, false
	}
	dest, err := cap.AllocPage()
	if err != nil {
		log.Warnf("dtb patch: %v", err)
		return 0, false
	}
	if err := writer.WritePhys(dest, patched); err != nil {
		log.Warnf("dtb patch: %v", err)
		return 0, false
	}
	return dest, true
}

