// Package dtbpatch parses a flattened device tree (FDT) blob handed off by
// firmware (the Raspberry Pi GPU bootloader, or a coreboot-arm payload),
// locates or creates the /chosen node, and rewrites its bootargs property
// to the kernel command line before handover. The on-disk token layout and
// the struct-block/strings-block separation mirror the teacher's FDT
// builder (internal/fdt/build.go, internal/fdt/node.go); this package adds
// the parse direction the teacher never needed (it only ever synthesized
// device trees from scratch for virtual machines).
package dtbpatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	fdtMagic       = 0xd00dfeed
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// Node is a parsed or to-be-built device-tree node, property values kept as
// raw big-endian bytes since bootargs patching only ever needs to replace
// one string property and re-emit everything else byte-for-byte.
type Node struct {
	Name       string
	Properties []Property
	Children   []Node
}

// Property is one device-tree property; Value is the raw big-endian-encoded
// property payload.
type Property struct {
	Name  string
	Value []byte
}

// Tree is a parsed FDT: its root node plus the fields from the header the
// re-serializer needs to reproduce (boot CPU ID, memory reservation block).
type Tree struct {
	Root             Node
	BootCPUIDPhys    uint32
	MemReservations  []MemReservation
}

// MemReservation is one entry of the FDT's /memreserve/ block.
type MemReservation struct {
	Address uint64
	Size    uint64
}

// Parse decodes an FDT blob into a Tree.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < fdtHeaderSize {
		return nil, fmt.Errorf("dtbpatch: blob too short for FDT header")
	}
	if binary.BigEndian.Uint32(blob[0:4]) != fdtMagic {
		return nil, fmt.Errorf("dtbpatch: missing FDT magic")
	}
	structOff := binary.BigEndian.Uint32(blob[8:12])
	stringsOff := binary.BigEndian.Uint32(blob[12:16])
	memRsvOff := binary.BigEndian.Uint32(blob[16:20])
	bootCPUID := binary.BigEndian.Uint32(blob[28:32])

	reservations, err := parseMemReservations(blob, memRsvOff)
	if err != nil {
		return nil, err
	}

	p := &parser{blob: blob, off: int(structOff), stringsOff: int(stringsOff)}
	root, err := p.parseNode()
	if err != nil {
		return nil, err
	}

	return &Tree{Root: root, BootCPUIDPhys: bootCPUID, MemReservations: reservations}, nil
}

func parseMemReservations(blob []byte, off uint32) ([]MemReservation, error) {
	var out []MemReservation
	pos := int(off)
	for {
		if pos+16 > len(blob) {
			return nil, fmt.Errorf("dtbpatch: truncated memory reservation block")
		}
		addr := binary.BigEndian.Uint64(blob[pos : pos+8])
		size := binary.BigEndian.Uint64(blob[pos+8 : pos+16])
		pos += 16
		if addr == 0 && size == 0 {
			break
		}
		out = append(out, MemReservation{Address: addr, Size: size})
	}
	return out, nil
}

type parser struct {
	blob       []byte
	off        int
	stringsOff int
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.blob) {
		return 0, fmt.Errorf("dtbpatch: truncated struct block")
	}
	v := binary.BigEndian.Uint32(p.blob[p.off : p.off+4])
	p.off += 4
	return v, nil
}

func (p *parser) parseNode() (Node, error) {
	tok, err := p.u32()
	if err != nil {
		return Node{}, err
	}
	for tok == tokenNop {
		tok, err = p.u32()
		if err != nil {
			return Node{}, err
		}
	}
	if tok != tokenBeginNode {
		return Node{}, fmt.Errorf("dtbpatch: expected FDT_BEGIN_NODE, got %#x", tok)
	}
	name, err := p.cstring()
	if err != nil {
		return Node{}, err
	}
	p.align4()

	node := Node{Name: name}
	for {
		tok, err := p.u32()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case tokenNop:
			continue
		case tokenProp:
			prop, err := p.parseProp()
			if err != nil {
				return Node{}, err
			}
			node.Properties = append(node.Properties, prop)
		case tokenBeginNode:
			p.off -= 4 // unread the token, parseNode expects to consume it
			child, err := p.parseNode()
			if err != nil {
				return Node{}, err
			}
			node.Children = append(node.Children, child)
		case tokenEndNode:
			return node, nil
		default:
			return Node{}, fmt.Errorf("dtbpatch: unexpected token %#x in node %q", tok, name)
		}
	}
}

func (p *parser) parseProp() (Property, error) {
	length, err := p.u32()
	if err != nil {
		return Property{}, err
	}
	nameOff, err := p.u32()
	if err != nil {
		return Property{}, err
	}
	name, err := p.stringAt(int(nameOff))
	if err != nil {
		return Property{}, err
	}
	if p.off+int(length) > len(p.blob) {
		return Property{}, fmt.Errorf("dtbpatch: truncated property %q value", name)
	}
	value := append([]byte(nil), p.blob[p.off:p.off+int(length)]...)
	p.off += int(length)
	p.align4()
	return Property{Name: name, Value: value}, nil
}

func (p *parser) stringAt(off int) (string, error) {
	abs := p.stringsOff + off
	if abs < 0 || abs >= len(p.blob) {
		return "", fmt.Errorf("dtbpatch: string offset out of range")
	}
	end := bytes.IndexByte(p.blob[abs:], 0)
	if end < 0 {
		return "", fmt.Errorf("dtbpatch: unterminated string in strings block")
	}
	return string(p.blob[abs : abs+end]), nil
}

func (p *parser) cstring() (string, error) {
	end := bytes.IndexByte(p.blob[p.off:], 0)
	if end < 0 {
		return "", fmt.Errorf("dtbpatch: unterminated node name")
	}
	s := string(p.blob[p.off : p.off+end])
	p.off += end + 1
	return s, nil
}

func (p *parser) align4() {
	if pad := p.off % 4; pad != 0 {
		p.off += 4 - pad
	}
}

// SetBootargs locates /chosen (creating it as the root's first child if
// absent) and sets its bootargs property to cmdline, replacing any
// existing value.
func (t *Tree) SetBootargs(cmdline string) {
	chosen := findChild(&t.Root, "chosen")
	if chosen == nil {
		t.Root.Children = append([]Node{{Name: "chosen"}}, t.Root.Children...)
		chosen = &t.Root.Children[0]
	}
	value := append([]byte(cmdline), 0)
	for i := range chosen.Properties {
		if chosen.Properties[i].Name == "bootargs" {
			chosen.Properties[i].Value = value
			return
		}
	}
	chosen.Properties = append(chosen.Properties, Property{Name: "bootargs", Value: value})
}

func findChild(n *Node, name string) *Node {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i]
		}
	}
	return nil
}

// Serialize re-encodes the tree into a fresh FDT blob.
func (t *Tree) Serialize() ([]byte, error) {
	b := &builder{stringsOff: make(map[string]uint32)}
	if err := b.emitNode(t.Root); err != nil {
		return nil, err
	}
	return b.finish(t.BootCPUIDPhys, t.MemReservations), nil
}

type builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (b *builder) emitNode(n Node) error {
	b.writeU32(tokenBeginNode)
	b.structBuf.WriteString(n.Name)
	b.structBuf.WriteByte(0)
	b.pad4()

	for _, prop := range n.Properties {
		b.writeU32(tokenProp)
		b.writeU32(uint32(len(prop.Value)))
		b.writeU32(b.internString(prop.Name))
		b.structBuf.Write(prop.Value)
		b.pad4()
	}
	for _, child := range n.Children {
		if err := b.emitNode(child); err != nil {
			return err
		}
	}
	b.writeU32(tokenEndNode)
	return nil
}

func (b *builder) internString(s string) uint32 {
	if off, ok := b.stringsOff[s]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(s)
	b.strings.WriteByte(0)
	b.stringsOff[s] = off
	return off
}

func (b *builder) writeU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.structBuf.Write(tmp[:])
}

func (b *builder) pad4() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}

func (b *builder) finish(bootCPUID uint32, reservations []MemReservation) []byte {
	b.writeU32(tokenEnd)

	var memRsv bytes.Buffer
	for _, r := range reservations {
		var tmp [16]byte
		binary.BigEndian.PutUint64(tmp[0:8], r.Address)
		binary.BigEndian.PutUint64(tmp[8:16], r.Size)
		memRsv.Write(tmp[:])
	}
	memRsv.Write(make([]byte, 16)) // terminating zero entry

	headerSize := fdtHeaderSize
	memRsvOff := headerSize
	structOff := memRsvOff + memRsv.Len()
	stringsOff := structOff + b.structBuf.Len()
	totalSize := stringsOff + b.strings.Len()

	out := make([]byte, totalSize)
	binary.BigEndian.PutUint32(out[0:4], fdtMagic)
	binary.BigEndian.PutUint32(out[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(out[8:12], uint32(structOff))
	binary.BigEndian.PutUint32(out[12:16], uint32(stringsOff))
	binary.BigEndian.PutUint32(out[16:20], uint32(memRsvOff))
	binary.BigEndian.PutUint32(out[20:24], fdtVersion)
	binary.BigEndian.PutUint32(out[24:28], fdtLastCompVer)
	binary.BigEndian.PutUint32(out[28:32], bootCPUID)
	binary.BigEndian.PutUint32(out[32:36], uint32(b.strings.Len()))
	binary.BigEndian.PutUint32(out[36:40], uint32(b.structBuf.Len()))

	copy(out[memRsvOff:], memRsv.Bytes())
	copy(out[structOff:], b.structBuf.Bytes())
	copy(out[stringsOff:], b.strings.Bytes())
	return out
}
