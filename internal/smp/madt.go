package smp

import "encoding/binary"

// ProcessorEntry is one MADT Processor Local APIC entry.
type ProcessorEntry struct {
	ACPIProcessorID uint8
	APICID          uint8
	Enabled         bool
}

// IOAPICEntry is one MADT I/O APIC entry.
type IOAPICEntry struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// MADT is the subset of the Multiple APIC Description Table the SMP engine
// needs: every enabled processor's local APIC ID, the I/O APIC list, and the
// local APIC's MMIO base (the table's 32-bit address, replaced by an
// address override entry if one is present). BringUp uses the architectural
// default only when this is zero.
type MADT struct {
	LAPICBase  uint32
	Processors []ProcessorEntry
	IOAPICs    []IOAPICEntry
}

const (
	madtEntryProcessorLocalAPIC   = 0
	madtEntryIOAPIC               = 1
	madtEntryLocalAPICAddrOverride = 5

	defaultLAPICBase = 0xFEE00000
)

// ParseMADT walks a MADT table's body (everything past the 36-byte ACPI
// table header: a 4-byte local APIC address followed by a 4-byte flags
// field, then a stream of variable-length entries) into a MADT.
func ParseMADT(body []byte) (MADT, error) {
	if len(body) < 8 {
		return MADT{}, errShortMADT
	}
	m := MADT{LAPICBase: binary.LittleEndian.Uint32(body[0:4])}
	if m.LAPICBase == 0 {
		m.LAPICBase = defaultLAPICBase
	}

	pos := 8
	for pos+2 <= len(body) {
		entryType := body[pos]
		entryLen := int(body[pos+1])
		if entryLen < 2 || pos+entryLen > len(body) {
			break
		}
		entry := body[pos : pos+entryLen]
		switch entryType {
		case madtEntryProcessorLocalAPIC:
			if len(entry) >= 8 {
				m.Processors = append(m.Processors, ProcessorEntry{
					ACPIProcessorID: entry[2],
					APICID:          entry[3],
					Enabled:         binary.LittleEndian.Uint32(entry[4:8])&1 != 0,
				})
			}
		case madtEntryIOAPIC:
			if len(entry) >= 12 {
				m.IOAPICs = append(m.IOAPICs, IOAPICEntry{
					ID:      entry[2],
					Address: binary.LittleEndian.Uint32(entry[4:8]),
					GSIBase: binary.LittleEndian.Uint32(entry[8:12]),
				})
			}
		case madtEntryLocalAPICAddrOverride:
			if len(entry) >= 12 {
				m.LAPICBase = uint32(binary.LittleEndian.Uint64(entry[4:12]))
			}
		}
		pos += entryLen
	}
	return m, nil
}

var errShortMADT = madtError("smp: MADT body shorter than its fixed header")

type madtError string

func (e madtError) Error() string { return string(e) }
