package smp

import (
	"encoding/binary"

	"github.com/tinyrange/simpleboot/internal/firmware"
	"github.com/tinyrange/simpleboot/internal/kernelload"
	"github.com/tinyrange/simpleboot/internal/trampoline"
)

// Local APIC ICR (Interrupt Command Register) offsets and the command words
// the Intel MP Initialization Protocol Algorithm calls for: INIT assert,
// then two STARTUP (SIPI) pulses carrying the trampoline's page number as
// the startup vector.
const (
	esrOffset     = 0x280
	icrLowOffset  = 0x300
	icrHighOffset = 0x310

	icrInitAssert   = 0x0000C500
	icrInitDeassert = 0x00008500
	icrStartup      = 0x00004600

	apInitAssertMicros = 1000
	apInitSettleMicros = 10000
	apBootBudgetMicros = 250000
	apPollStepMicros   = 1000
)

// physReader is the read-back half of PhysWriter, implemented by
// fwtest.Disk for tests; the boot core's directPhysWriter does not
// implement it. BringUp degrades to "never came up" for a writer
// that can't satisfy it rather than failing outright.
type physReader interface {
	ReadPhys(phys uint64, n int) []byte
}

func bringUpX86(writer kernelload.PhysWriter, tsc TSCReader, cap firmware.Capability, opts Options) (State, error) {
	lapicBase := uint64(opts.MADT.LAPICBase)
	if lapicBase == 0 {
		lapicBase = defaultLAPICBase
	}
	if err := writeU32(writer, trampoline.LAPICBase, uint32(lapicBase)); err != nil {
		return State{}, err
	}
	if err := writeU64(writer, trampoline.PageTableRoot, opts.PageTableRoot); err != nil {
		return State{}, err
	}
	if err := publishLowMemory(writer); err != nil {
		return State{}, err
	}
	if err := writer.WritePhys(trampoline.APTrampolineBase, apTrampolineX86); err != nil {
		return State{}, err
	}
	if tsc != nil {
		start := tsc.ReadTSC()
		cap.DelayMicros(1000)
		if cpms := tsc.ReadTSC() - start; cpms > 0 {
			if err := writeU64(writer, trampoline.CyclesPerMillisecond, cpms); err != nil {
				return State{}, err
			}
		}
	}

	vector := uint32(trampoline.APTrampolineBase >> 12)
	// The BSP itself is core zero of both counts.
	state := State{BSPID: opts.BSPID, NumCores: 1, Running: 1}

	for _, p := range opts.MADT.Processors {
		apicID := uint32(p.APICID)
		if !p.Enabled || apicID == opts.BSPID {
			continue
		}
		if err := writer.ZeroPhys(trampoline.APAliveFlag, 4); err != nil {
			return state, err
		}

		// Intel MP init protocol: clear pending APIC errors, assert INIT,
		// deassert, let the core settle, then SIPI with a full alive-flag
		// poll budget. A core that misses the first SIPI gets exactly one
		// more before being written off.
		writeU32(writer, lapicBase+esrOffset, 0)
		sendIPI(writer, lapicBase, apicID, icrInitAssert)
		cap.DelayMicros(apInitAssertMicros)
		sendIPI(writer, lapicBase, apicID, icrInitDeassert)
		cap.DelayMicros(apInitSettleMicros)

		state.NumCores++
		alive := false
		for attempt := 0; attempt < 2 && !alive; attempt++ {
			sendIPI(writer, lapicBase, apicID, icrStartup|vector)
			alive = waitForAlive(writer, cap)
		}
		if alive {
			state.Running++
			state.APIDs = append(state.APIDs, apicID)
		}
	}
	return state, nil
}

// publishLowMemory installs the GDT image, its descriptor, and a null IDT
// descriptor at the fixed addresses the trampoline's lgdt expects.
func publishLowMemory(writer kernelload.PhysWriter) error {
	if err := writer.WritePhys(trampoline.GDTTableBase, gdtImage); err != nil {
		return err
	}
	desc := make([]byte, 10)
	binary.LittleEndian.PutUint16(desc[0:2], uint16(len(gdtImage)-1))
	binary.LittleEndian.PutUint64(desc[2:10], trampoline.GDTTableBase)
	if err := writer.WritePhys(trampoline.GDTDescriptor, desc); err != nil {
		return err
	}
	return writer.ZeroPhys(trampoline.IDTDescriptor, 10)
}

// sendIPI programs the ICR with the target APIC ID in the high dword before
// the command word in the low dword; writing the low dword is what actually
// dispatches the interprocessor interrupt, so it must come second.
func sendIPI(writer kernelload.PhysWriter, lapicBase uint64, apicID uint32, command uint32) {
	writeU32(writer, lapicBase+icrHighOffset, apicID<<24)
	writeU32(writer, lapicBase+icrLowOffset, command)
}

// waitForAlive polls the AP-alive flag for up to apBootBudgetMicros, giving
// up (non-fatally) if writer can't be read back from at all.
func waitForAlive(writer kernelload.PhysWriter, cap firmware.Capability) bool {
	reader, ok := writer.(physReader)
	if !ok {
		return false
	}
	for waited := uint64(0); waited < apBootBudgetMicros; waited += apPollStepMicros {
		if binary.LittleEndian.Uint32(reader.ReadPhys(trampoline.APAliveFlag, 4)) != 0 {
			return true
		}
		cap.DelayMicros(apPollStepMicros)
	}
	return false
}
