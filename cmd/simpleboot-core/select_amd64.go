//go:build amd64

package main

import "github.com/tinyrange/simpleboot/internal/firmware"

// selectFirmware is the one place this command branches on which firmware
// environment it was built for; everything downstream takes the resulting
// Capability and never asks again. A real boot sector/stage0 negotiates the
// VBE mode and captures the E820 map and ACPI/SMBIOS pointers before
// jumping here, leaving them at a fixed handoff location this function
// would read; until that stage0 contract is written the values below are
// empty placeholders, the same documented gap as physio.go's direct memory
// access.
func selectFirmware() (firmware.Capability, Deps, error) {
	const bootDriveCode = 0x80 // first BIOS hard disk, the common case
	cap := firmware.NewBIOS(bootDriveCode, nil, nil, firmware.SystemTables{})
	return cap, Deps{Writer: directPhysWriter{}, TSC: tscReader{}}, nil
}
