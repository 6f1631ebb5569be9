// Package mbi synthesizes the Multiboot2 boot information tag stream (or,
// for a sniffed Linux kernel, the classic zero-page boot_params) that
// Handover leaves for the kernel to read. The tag writer's incremental
// append-and-patch-the-length shape is adapted from the teacher's ACPI
// table writer (internal/acpi/builder.go), substituted from 36-byte ACPI
// headers to Multiboot2's 8-byte tag headers with 8-byte alignment padding.
package mbi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
)

// Tag type constants, per the Multiboot2 specification.
const (
	TagBootLoaderName = 2
	TagCmdline        = 1
	TagModule         = 3
	TagMemoryMap      = 6
	TagFramebuffer    = 8
	TagEDID           = 256
	TagACPIOld        = 14
	TagACPINew        = 15
	TagSMBIOS         = 13
	TagEFI64          = 12
	TagEFI64ImageH    = 20
	TagSMP            = 257
	TagPartUUID       = 258
	TagEnd            = 0
)

const tagAlign = 8

// tagWriter accumulates the tag stream body (everything after the 8-byte
// total_size+reserved header), patching each tag's own size field once its
// body is known and padding to the next 8-byte boundary.
type tagWriter struct {
	buf bytes.Buffer
}

func (w *tagWriter) append(tagType uint32, body []byte) {
	start := w.buf.Len()
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], tagType)
	w.buf.Write(header)
	w.buf.Write(body)

	size := w.buf.Len() - start
	tagBytes := w.buf.Bytes()[start:]
	binary.LittleEndian.PutUint32(tagBytes[4:8], uint32(size))

	if pad := size % tagAlign; pad != 0 {
		w.buf.Write(make([]byte, tagAlign-pad))
	}
}

// Build assembles the full MBI: an 8-byte header (total_size, reserved=0)
// followed by every tag func adds, in call order (tag order carries no
// semantic weight per the specification), terminated by the mandatory
// end tag.
func Build(write func(w *TagStream)) []byte {
	var tw tagWriter
	ts := &TagStream{w: &tw}
	write(ts)
	tw.append(TagEnd, nil)

	body := tw.buf.Bytes()
	out := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	copy(out[8:], body)
	return out
}

// TagStream is the builder handle passed to Build's callback; each method
// appends one tag, a no-op if its data source wasn't available (the
// "present iff sourceable" rule).
type TagStream struct{ w *tagWriter }

func (t *TagStream) BootLoaderName(name string) {
	body := append([]byte(name), 0)
	t.w.append(TagBootLoaderName, body)
}

func (t *TagStream) Cmdline(cmdline string) {
	if cmdline == "" {
		return
	}
	body := append([]byte(cmdline), 0)
	t.w.append(TagCmdline, body)
}

// Module appends one module tag: mod_start, mod_end, and a NUL-terminated
// command string.
func (t *TagStream) Module(start, end uint32, cmdline string) {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], start)
	binary.LittleEndian.PutUint32(body[4:8], end)
	body = append(body, []byte(cmdline)...)
	body = append(body, 0)
	t.w.append(TagModule, body)
}

// MemoryMap appends the memory-map tag. entry_size is fixed at 24 bytes
// (base_addr, length, type, reserved), entry_version 0.
func (t *TagStream) MemoryMap(entries []bootctx.MemoryMapEntry) {
	if len(entries) == 0 {
		return
	}
	body := make([]byte, 8+len(entries)*24)
	binary.LittleEndian.PutUint32(body[0:4], 24)
	binary.LittleEndian.PutUint32(body[4:8], 0)
	for i, e := range entries {
		off := 8 + i*24
		binary.LittleEndian.PutUint64(body[off:off+8], e.Base)
		binary.LittleEndian.PutUint64(body[off+8:off+16], e.Length)
		binary.LittleEndian.PutUint32(body[off+16:off+20], uint32(mbiMemoryType(e.Kind)))
	}
	t.w.append(TagMemoryMap, body)
}

func mbiMemoryType(kind bootctx.MemoryKind) uint32 {
	switch kind {
	case bootctx.MemoryAvailable:
		return 1
	case bootctx.MemoryAcpiReclaimable:
		return 3
	case bootctx.MemoryAcpiNvs:
		return 4
	case bootctx.MemoryBadRam:
		return 5
	default:
		return 2 // Reserved
	}
}

// Framebuffer appends the framebuffer tag.
func (t *TagStream) Framebuffer(addr uint64, pitch, width, height uint32, bpp uint8, red, green, blue [2]uint8) {
	body := make([]byte, 24)
	binary.LittleEndian.PutUint64(body[0:8], addr)
	binary.LittleEndian.PutUint32(body[8:12], pitch)
	binary.LittleEndian.PutUint32(body[12:16], width)
	binary.LittleEndian.PutUint32(body[16:20], height)
	body[20] = bpp
	body[21] = 1 // framebuffer_type = 1 (RGB)
	body[22], body[23] = red[1], red[0]
	extra := []byte{green[1], green[0], blue[1], blue[0]}
	body = append(body, extra...)
	t.w.append(TagFramebuffer, body)
}

func (t *TagStream) EDID(block []byte) {
	if len(block) == 0 {
		return
	}
	t.w.append(TagEDID, block)
}

// ACPIOld/ACPINew append the first 24 (RSDP v1) or 36 (RSDP v2+) bytes of
// the located RSDP.
func (t *TagStream) ACPIOld(rsdp []byte) {
	if len(rsdp) < 20 {
		return
	}
	n := 24
	if len(rsdp) < n {
		n = len(rsdp)
	}
	t.w.append(TagACPIOld, rsdp[:n])
}

func (t *TagStream) ACPINew(rsdp []byte) {
	if len(rsdp) < 36 {
		return
	}
	t.w.append(TagACPINew, rsdp[:36])
}

func (t *TagStream) SMBIOS(major, minor uint8, anchor []byte) {
	if len(anchor) == 0 {
		return
	}
	body := make([]byte, 6+len(anchor))
	body[0] = major
	body[1] = minor
	copy(body[6:], anchor)
	t.w.append(TagSMBIOS, body)
}

func (t *TagStream) EFI64SystemTable(ptr uint64) {
	if ptr == 0 {
		return
	}
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, ptr)
	t.w.append(TagEFI64, body)
}

func (t *TagStream) EFI64ImageHandle(ptr uint64) {
	if ptr == 0 {
		return
	}
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, ptr)
	t.w.append(TagEFI64ImageH, body)
}

// SMP appends the loader's own non-standard SMP-state tag so the kernel (or
// a diagnostic consumer) can observe how many cores the SMP engine actually
// brought up.
func (t *TagStream) SMP(numCores, running, bspID uint32) {
	body := make([]byte, 12)
	binary.LittleEndian.PutUint32(body[0:4], numCores)
	binary.LittleEndian.PutUint32(body[4:8], running)
	binary.LittleEndian.PutUint32(body[8:12], bspID)
	t.w.append(TagSMP, body)
}

// PartUUID appends the boot (and optionally root) partition GUID.
func (t *TagStream) PartUUID(boot [16]byte, root *[16]byte) {
	body := append([]byte{}, boot[:]...)
	if root != nil {
		body = append(body, root[:]...)
	}
	t.w.append(TagPartUUID, body)
}

// RawTag is one decoded tag from a synthesized MBI buffer: its type, its
// body (header stripped, padding stripped), and the offset its header
// started at, for diagnostic dumping.
type RawTag struct {
	Type   uint32
	Offset int
	Body   []byte
}

// ReadTags walks a buffer produced by Build back into its tag list, for
// tools that need to inspect what was synthesized rather than consume it as
// a kernel would. It does not validate alignment or the presence of the end
// tag beyond what's needed to stop the walk; Build is the only producer
// this is meant to read back.
func ReadTags(buf []byte) ([]RawTag, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("mbi: buffer too short for header")
	}
	totalSize := binary.LittleEndian.Uint32(buf[0:4])
	if int(totalSize) > len(buf) {
		return nil, fmt.Errorf("mbi: total_size %d exceeds buffer length %d", totalSize, len(buf))
	}
	var tags []RawTag
	off := 8
	for off+8 <= int(totalSize) {
		tagType := binary.LittleEndian.Uint32(buf[off : off+4])
		size := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		if size < 8 || off+int(size) > int(totalSize) {
			return nil, fmt.Errorf("mbi: tag at offset %d has invalid size %d", off, size)
		}
		tags = append(tags, RawTag{Type: tagType, Offset: off, Body: buf[off+8 : off+int(size)]})
		if tagType == TagEnd {
			break
		}
		advance := int(size)
		if pad := advance % tagAlign; pad != 0 {
			advance += tagAlign - pad
		}
		off += advance
	}
	return tags, nil
}
