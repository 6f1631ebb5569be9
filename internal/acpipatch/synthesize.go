package acpipatch

import (
	"bytes"
	"encoding/binary"
)

// SynthesisConfig describes the minimal ACPI chain Synthesize builds for a
// coreboot target that never exposed an RSDP at all.
type SynthesisConfig struct {
	TablesBase uint64
	LAPICBase  uint32
	NumCPUs    int
	IOAPICID   uint8
	IOAPICAddr uint32
	DSDTBody   []byte // the kernel-supplied replacement AML, written as-is
}

type tableWriter struct {
	buf  bytes.Buffer
	base uint64
}

func newTableWriter(base uint64) *tableWriter { return &tableWriter{base: base} }

type tableParams struct {
	Signature [4]byte
	Revision  uint8
	Body      []byte
}

func (w *tableWriter) Append(p tableParams) uint64 {
	start := w.buf.Len()
	header := make([]byte, 36)
	copy(header[0:4], p.Signature[:])
	copy(header[10:16], []byte("SMPBLD"))
	copy(header[16:24], []byte("SIMPBOOT"))
	header[8] = p.Revision
	binary.LittleEndian.PutUint32(header[28:32], binary.LittleEndian.Uint32([]byte("SMPB")))

	w.buf.Write(header)
	w.buf.Write(p.Body)

	table := w.buf.Bytes()[start:]
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))
	table[9] = checksum(table)

	if pad := len(table) % 8; pad != 0 {
		w.buf.Write(make([]byte, 8-pad))
	}
	return w.base + uint64(start)
}

func (w *tableWriter) Bytes() []byte { return w.buf.Bytes() }

// Synthesize builds an RSDP, XSDT, a minimal FADT pointing at cfg.DSDTBody,
// and a MADT describing cfg.NumCPUs local APICs plus one I/O APIC. It
// returns the RSDP bytes (to be placed wherever FindSystemTables will look
// for it next boot) and the table region bytes (to be written starting at
// cfg.TablesBase).
func Synthesize(cfg SynthesisConfig) (rsdp []byte, tables []byte, err error) {
	w := newTableWriter(cfg.TablesBase)

	dsdtAddr := w.Append(tableParams{Signature: sig("DSDT"), Revision: 2, Body: cfg.DSDTBody})

	// FADT body is everything past the 36-byte common header; DSDT sits at
	// absolute offset 40 (body offset 4), X_DSDT at absolute offset 140
	// (body offset 104).
	fadtBody := make([]byte, 112)
	binary.LittleEndian.PutUint32(fadtBody[4:8], uint32(dsdtAddr))
	binary.LittleEndian.PutUint64(fadtBody[104:112], dsdtAddr)
	fadtAddr := w.Append(tableParams{Signature: sig("FACP"), Revision: 5, Body: fadtBody})

	madtBody := buildMADT(cfg)
	madtAddr := w.Append(tableParams{Signature: sig("APIC"), Revision: 1, Body: madtBody})

	xsdtAddr := w.Append(tableParams{Signature: sig("XSDT"), Revision: 1, Body: xsdtBody([]uint64{fadtAddr, madtAddr})})

	tables = w.Bytes()
	rsdp = buildRSDP(xsdtAddr)
	return rsdp, tables, nil
}

func buildMADT(cfg SynthesisConfig) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, cfg.LAPICBase)
	binary.Write(&buf, binary.LittleEndian, uint32(1))

	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		buf.WriteByte(0) // Processor Local APIC entry type
		buf.WriteByte(8) // entry length
		buf.WriteByte(uint8(cpu))
		buf.WriteByte(uint8(cpu))
		binary.Write(&buf, binary.LittleEndian, uint32(1)) // enabled
	}

	buf.WriteByte(1) // I/O APIC entry type
	buf.WriteByte(12)
	buf.WriteByte(cfg.IOAPICID)
	buf.WriteByte(0)
	binary.Write(&buf, binary.LittleEndian, cfg.IOAPICAddr)
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	return buf.Bytes()
}

func xsdtBody(entries []uint64) []byte {
	buf := make([]byte, len(entries)*8)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], e)
	}
	return buf
}

func buildRSDP(xsdtAddr uint64) []byte {
	rsdp := make([]byte, 36)
	copy(rsdp[0:8], []byte("RSD PTR "))
	copy(rsdp[9:15], []byte("SMPBLD"))
	rsdp[15] = 2 // ACPI revision 2.0+
	binary.LittleEndian.PutUint32(rsdp[16:20], 0)
	binary.LittleEndian.PutUint32(rsdp[20:24], uint32(len(rsdp)))
	binary.LittleEndian.PutUint64(rsdp[24:32], xsdtAddr)
	rsdp[8] = checksum(rsdp[0:20])
	rsdp[32] = checksum(rsdp)
	return rsdp
}

func sig(name string) [4]byte {
	var out [4]byte
	copy(out[:], name)
	return out
}
