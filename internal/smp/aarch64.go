package smp

import (
	"github.com/tinyrange/simpleboot/internal/firmware"
	"github.com/tinyrange/simpleboot/internal/kernelload"
	"github.com/tinyrange/simpleboot/internal/trampoline"
)

// bringUpAarch64 targets the spin-table parking protocol: every secondary
// core is already parked by firmware reading its release address in a tight
// loop, so there is no IPI step here. BringUp only has to publish the page
// table root the APs will install before the shared semaphore word goes out
// (PublishHandover, called separately once the caller has built the MBI/
// zero-page buffer the APs jump into).
func bringUpAarch64(writer kernelload.PhysWriter, cap firmware.Capability, opts Options) (State, error) {
	if err := writeU64(writer, trampoline.PageTableRoot, opts.PageTableRoot); err != nil {
		return State{}, err
	}

	state := State{BSPID: opts.BSPID, NumCores: opts.APCount + 1, Running: opts.APCount + 1}
	for i := 0; i < opts.APCount; i++ {
		state.APIDs = append(state.APIDs, uint32(i+1))
	}
	return state, nil
}
