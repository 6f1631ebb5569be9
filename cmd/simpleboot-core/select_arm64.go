//go:build arm64

package main

import (
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/firmware"
)

// selectFirmware picks the arm64 firmware environment. firmware.NewRPi needs
// a RPiMailbox/RPiSDHost/RPiUART backed by real VideoCore mailbox and SD host
// MMIO, and firmware.NewUEFI needs the EFI protocol handle set; neither has a
// driver in this tree yet (see DESIGN.md), so this build target returns
// ErrFirmwareFallback rather than fabricate one. A real port supplies those
// handles here, the one place this command branches on its target firmware.
func selectFirmware() (firmware.Capability, Deps, error) {
	return nil, Deps{}, fmt.Errorf("%w: no arm64 firmware backend wired (need RPiMailbox/RPiSDHost/RPiUART or EFI handles)", bootctx.ErrFirmwareFallback)
}
