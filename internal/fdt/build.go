package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenEnd       = 0x9
)

// Build serializes root into a complete FDT blob: header, an empty
// memory-reservation block (trees this package synthesizes from scratch
// never reserve regions of their own; a firmware-supplied tree with real
// reservations is patched in place by internal/dtbpatch instead), the
// struct block, and the strings block, in the order the flattened format
// requires.
func Build(root Node) ([]byte, error) {
	e := &encoder{stringOffsets: make(map[string]uint32)}
	if err := e.emitNode(root); err != nil {
		return nil, err
	}
	return e.finish(), nil
}

// encoder accumulates the struct and strings blocks while walking a Node
// tree. stringOffsets dedupes repeated property names against the strings
// block the way a real device tree does (every node under /memory in
// synthesizeDTB reuses the "reg" and "device_type" strings).
type encoder struct {
	structBlock   bytes.Buffer
	stringsBlock  bytes.Buffer
	stringOffsets map[string]uint32
}

func (e *encoder) emitNode(n Node) error {
	e.beginNode(n.Name)

	if len(n.Properties) > 0 {
		names := make([]string, 0, len(n.Properties))
		for name := range n.Properties {
			names = append(names, name)
		}
		// Sorted so two Builds of the same tree always agree byte-for-byte,
		// independent of map iteration order.
		sort.Strings(names)
		for _, name := range names {
			if err := e.emitProperty(name, n.Properties[name]); err != nil {
				return err
			}
		}
	}

	for _, child := range n.Children {
		if err := e.emitNode(child); err != nil {
			return err
		}
	}

	e.endNode()
	return nil
}

func (e *encoder) emitProperty(name string, prop Property) error {
	switch prop.DefinedCount() {
	case 0:
		return fmt.Errorf("fdt: property %q has no value set", name)
	case 1:
	default:
		return fmt.Errorf("fdt: property %q sets more than one value kind", name)
	}
	var data []byte
	switch prop.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range prop.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		data = buf.Bytes()
	case "u32":
		data = make([]byte, 0, len(prop.U32)*4)
		for _, v := range prop.U32 {
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], v)
			data = append(data, tmp[:]...)
		}
	case "u64":
		data = make([]byte, 0, len(prop.U64)*8)
		for _, v := range prop.U64 {
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], v)
			data = append(data, tmp[:]...)
		}
	case "bytes":
		data = append(data, prop.Bytes...)
	case "flag":
		data = nil
	default:
		return fmt.Errorf("fdt: property %q has unrecognized kind %q", name, prop.Kind())
	}
	e.writeProperty(name, data)
	return nil
}

func (e *encoder) beginNode(name string) {
	e.writeToken(tokenBeginNode)
	e.structBlock.WriteString(name)
	e.structBlock.WriteByte(0)
	e.align()
}

func (e *encoder) endNode() {
	e.writeToken(tokenEndNode)
}

func (e *encoder) writeProperty(name string, value []byte) {
	e.writeToken(tokenProp)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(value)))
	e.structBlock.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], e.stringOffset(name))
	e.structBlock.Write(tmp[:])
	e.structBlock.Write(value)
	e.align()
}

func (e *encoder) finish() []byte {
	e.writeToken(tokenEnd)
	e.align()

	structBytes := e.structBlock.Bytes()
	stringsBytes := e.stringsBlock.Bytes()

	// A single null sentinel entry (address 0, size 0) terminates an
	// otherwise-empty memory-reservation list.
	reserveMap := make([]byte, 16)

	offReserveMap := headerSize
	offStruct := offReserveMap + len(reserveMap)
	offStrings := offStruct + len(structBytes)
	total := offStrings + len(stringsBytes)

	blob := make([]byte, total)
	header := blob[:headerSize]
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint32(header[4:8], uint32(total))
	binary.BigEndian.PutUint32(header[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(header[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(header[16:20], uint32(offReserveMap))
	binary.BigEndian.PutUint32(header[20:24], version)
	binary.BigEndian.PutUint32(header[24:28], lastCompVer)
	binary.BigEndian.PutUint32(header[28:32], 0) // boot_cpuid_phys: this path never hands off on a secondary core
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[offReserveMap:], reserveMap)
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)

	return blob
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.stringOffsets[name]; ok {
		return off
	}
	off := uint32(e.stringsBlock.Len())
	e.stringsBlock.WriteString(name)
	e.stringsBlock.WriteByte(0)
	e.stringOffsets[name] = off
	return off
}

func (e *encoder) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	e.structBlock.Write(tmp[:])
}

// align pads the struct block to the 4-byte boundary every FDT token and
// property payload must start on.
func (e *encoder) align() {
	for e.structBlock.Len()%4 != 0 {
		e.structBlock.WriteByte(0)
	}
}
