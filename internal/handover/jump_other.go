//go:build !amd64 && !arm64

package handover

import "fmt"

// Neither x86 nor Aarch64 handover is reachable on any other host
// architecture; this stub exists only so the package still type-checks
// when cross-compiling tooling that never actually calls Jump.
func jumpArch(plan Plan) error {
	return fmt.Errorf("handover: no jump primitive for this architecture")
}
