// Package fdt builds a flattened device tree (FDT) blob from scratch for
// handover to an Aarch64 Linux kernel that has no firmware-provided tree of
// its own to patch — the fallback branch of resolveAarch64DTB, reached
// when tables.DTB is zero or the firmware's own tree fails to parse. Its
// sibling package, internal/dtbpatch, walks the opposite direction,
// parsing a firmware-supplied tree to rewrite its /chosen/bootargs in
// place rather than synthesizing one. Both packages speak the same
// devicetree.org flattened-tree wire format, since the kernel reading the
// blob doesn't care which path produced it.
package fdt

// Property holds exactly one kind of device-tree property value; Build
// looks at which field is populated to decide how to lay out the
// property's payload in the struct block.
type Property struct {
	Strings []string `json:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty"`
}

// Kind reports which field of p is populated ("strings", "u32", "u64",
// "bytes", or "flag"), or "" if none is.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many of p's fields are populated. Build rejects
// a property unless this is exactly 1.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Node is one device-tree node: a name, its properties, and its children.
// The tree's root node leaves Name empty, matching the FDT convention that
// the root node's unit name is the empty string.
type Node struct {
	Name       string              `json:"name"`
	Properties map[string]Property `json:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty"`
}

// Memory returns a /memory node listing addr/length pairs under the given
// unit name, matching the #address-cells=2 #size-cells=2 root synthesizeDTB
// always declares so a Linux/Aarch64 kernel can find its available RAM.
func Memory(unitName string, regions []uint64) Node {
	return Node{
		Name: unitName,
		Properties: map[string]Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         {U64: regions},
		},
	}
}

// Chosen returns a /chosen node carrying bootargs, the property a
// Linux/Aarch64 kernel reads its command line from on handover.
func Chosen(bootargs string) Node {
	return Node{
		Name: "chosen",
		Properties: map[string]Property{
			"bootargs": {Strings: []string{bootargs}},
		},
	}
}
