//go:build arm64

package main

// readTSC is implemented in tsc_arm64.s: it reads CNTVCT_EL0, the generic
// timer's free-running counter, the aarch64 equivalent of RDTSC. The SMP
// bring-up path on this architecture is spin-table based and never calls
// ReadTSC (see smp.bringUpAarch64), but Deps still needs a concrete
// smp.TSCReader to satisfy the interface.
func readTSC() uint64

type tscReader struct{}

func (tscReader) ReadTSC() uint64 { return readTSC() }
