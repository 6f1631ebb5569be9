//go:build amd64

// Package ioport wraps the x86 IN/OUT instructions behind a small Go
// assembly trampoline, the same "encapsulate each mode transition as a
// single opaque routine with a documented register-state contract" pattern
// the specification asks for CPU transitions in general (§9 design notes).
// There is no pure-Go way to execute IN/OUT; this amd64 build is backed by
// ioport_amd64.s, and every other GOARCH gets the panicking stubs in
// ioport_other.go so the package still links for the aarch64 RPi build,
// which never calls into it.
package ioport

// In8 reads one byte from I/O port.
func In8(port uint16) uint8

// Out8 writes one byte to I/O port.
func Out8(port uint16, value uint8)

// In16 reads one 16-bit word from I/O port.
func In16(port uint16) uint16

// Out16 writes one 16-bit word to I/O port.
func Out16(port uint16, value uint16)

// In32 reads one 32-bit dword from I/O port.
func In32(port uint16) uint32

// Out32 writes one 32-bit dword to I/O port.
func Out32(port uint16, value uint32)
