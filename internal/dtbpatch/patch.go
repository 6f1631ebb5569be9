package dtbpatch

import "fmt"

// PatchOptions carries everything Patch needs to rewrite a firmware-supplied
// device tree before handover.
type PatchOptions struct {
	Cmdline       string
	InitrdStart   uint64
	InitrdEnd     uint64
	HasInitrd     bool
}

// Patch parses blob, rewrites /chosen/bootargs (and, if an initrd was
// loaded, /chosen/linux,initrd-start and /chosen/linux,initrd-end), and
// returns the re-serialized FDT. The returned blob can be larger or smaller
// than the input: bootargs is replaced by Cmdline, which may be shorter.
func Patch(blob []byte, opts PatchOptions) ([]byte, error) {
	tree, err := Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("dtbpatch: %w", err)
	}

	tree.SetBootargs(opts.Cmdline)
	if opts.HasInitrd {
		setChosenU64(tree, "linux,initrd-start", opts.InitrdStart)
		setChosenU64(tree, "linux,initrd-end", opts.InitrdEnd)
	}

	out, err := tree.Serialize()
	if err != nil {
		return nil, fmt.Errorf("dtbpatch: %w", err)
	}
	return out, nil
}

func setChosenU64(t *Tree, name string, value uint64) {
	chosen := findChild(&t.Root, "chosen")
	if chosen == nil {
		t.Root.Children = append([]Node{{Name: "chosen"}}, t.Root.Children...)
		chosen = &t.Root.Children[0]
	}
	v := make([]byte, 8)
	for i := 0; i < 8; i++ {
		v[7-i] = byte(value >> (8 * i))
	}
	for i := range chosen.Properties {
		if chosen.Properties[i].Name == name {
			chosen.Properties[i].Value = v
			return
		}
	}
	chosen.Properties = append(chosen.Properties, Property{Name: name, Value: v})
}
