//go:build arm64

package handover

import "fmt"

// jumpEL1 is implemented in jump_arm64.s: loads RegA into x0 and RegB into
// x1 (x2/x3 left zeroed per the Linux/Aarch64 and Multiboot2 Aarch64
// conventions), sets SP if stack is non-zero, then branches to entry. It
// does not return.
func jumpEL1(entry, regA, regB, stack uint64)

func jumpArch(plan Plan) error {
	if plan.Arch != "aarch64" {
		return fmt.Errorf("handover: plan built for %q, this binary is arm64", plan.Arch)
	}
	jumpEL1(plan.Entry, plan.RegA, plan.RegB, plan.Stack)
	panic("handover: jumpEL1 returned")
}
