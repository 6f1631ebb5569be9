// Command simpleboot-core is the freestanding boot core: the entry point a
// BIOS MBR stub, UEFI PE/COFF loader, coreboot payload wrapper, or the
// Raspberry Pi GPU firmware jumps into once this binary's image is sitting
// in memory. There is no OS underneath it and nothing to return to, so
// main never returns control to a caller: Boot either reaches
// handover.Jump, which itself never returns, or it fails and main parks
// the machine after dumping what it can to the console.
package main

import (
	"context"

	"github.com/tinyrange/simpleboot/internal/bootlog"
)

func main() {
	console := bootlog.NewConsole()
	log := console

	cap, deps, err := selectFirmware()
	if err != nil {
		log.Errorf("firmware selection failed: %v", err)
		halt()
	}

	if err := Boot(context.Background(), cap, deps, log); err != nil {
		log.Errorf("boot failed: %v", err)
		halt()
	}

	// Boot only returns nil after handover.Jump, which never returns on
	// success; reaching here means Jump itself came back, which can only
	// happen if the plan's architecture didn't match this binary.
	log.Errorf("handover returned control unexpectedly")
	halt()
}

// halt parks the core in a tight loop. A freestanding build replaces this
// with HLT-in-a-loop (x86) or WFI-in-a-loop (aarch64); here it is an
// infinite empty loop so the hosted build still terminates the type-check
// without pulling in architecture-specific asm for a path that never
// returns on real hardware anyway.
func halt() {
	for {
	}
}
