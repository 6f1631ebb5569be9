//go:build !amd64

package ioport

// On non-amd64 hosts there is no IN/OUT instruction to wrap. The RPi variant
// never imports this package (it talks to its SD host controller and mailbox
// over MMIO, not port I/O); these stubs exist only so cross-package tooling
// that enumerates firmware variants can still type-check on any GOARCH.

func In8(port uint16) uint8            { panic("ioport: IN/OUT unavailable on this architecture") }
func Out8(port uint16, value uint8)    { panic("ioport: IN/OUT unavailable on this architecture") }
func In16(port uint16) uint16          { panic("ioport: IN/OUT unavailable on this architecture") }
func Out16(port uint16, value uint16)  { panic("ioport: IN/OUT unavailable on this architecture") }
func In32(port uint16) uint32          { panic("ioport: IN/OUT unavailable on this architecture") }
func Out32(port uint16, value uint32)  { panic("ioport: IN/OUT unavailable on this architecture") }
