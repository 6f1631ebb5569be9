package dtbpatch

import (
	"bytes"
	"strings"
	"testing"
)

func buildFixture(t *testing.T) []byte {
	t.Helper()
	tree := &Tree{
		Root: Node{
			Name: "",
			Children: []Node{
				{Name: "chosen"},
				{Name: "memory", Properties: []Property{{Name: "device_type", Value: append([]byte("memory"), 0)}}},
			},
		},
	}
	blob, err := tree.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return blob
}

func TestPatchSetsBootargs(t *testing.T) {
	blob := buildFixture(t)
	patched, err := Patch(blob, PatchOptions{Cmdline: "console=ttyAMA0 root=/dev/mmcblk0p2"})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	tree, err := Parse(patched)
	if err != nil {
		t.Fatalf("Parse(patched): %v", err)
	}
	chosen := findChild(&tree.Root, "chosen")
	if chosen == nil {
		t.Fatalf("/chosen missing after patch")
	}
	var bootargs *Property
	for i := range chosen.Properties {
		if chosen.Properties[i].Name == "bootargs" {
			bootargs = &chosen.Properties[i]
		}
	}
	if bootargs == nil {
		t.Fatalf("/chosen/bootargs missing after patch")
	}
	got := strings.TrimRight(string(bootargs.Value), "\x00")
	if got != "console=ttyAMA0 root=/dev/mmcblk0p2" {
		t.Fatalf("bootargs = %q, want the patched cmdline", got)
	}
	if len(bootargs.Value)%4 != 0 {
		t.Errorf("bootargs value %d bytes, want a multiple of 4", len(bootargs.Value))
	}
}

func TestPatchCreatesChosenWhenAbsent(t *testing.T) {
	tree := &Tree{Root: Node{Name: "", Children: []Node{{Name: "cpus"}}}}
	blob, err := tree.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	patched, err := Patch(blob, PatchOptions{Cmdline: "quiet"})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	out, err := Parse(patched)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if findChild(&out.Root, "chosen") == nil {
		t.Fatalf("Patch did not create a missing /chosen node")
	}
}

func TestPatchInitrdFields(t *testing.T) {
	blob := buildFixture(t)
	patched, err := Patch(blob, PatchOptions{
		Cmdline:     "quiet",
		HasInitrd:   true,
		InitrdStart: 0x10000000,
		InitrdEnd:   0x10200000,
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	tree, err := Parse(patched)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	chosen := findChild(&tree.Root, "chosen")
	want := map[string]uint64{
		"linux,initrd-start": 0x10000000,
		"linux,initrd-end":   0x10200000,
	}
	for name, wantVal := range want {
		var got uint64
		found := false
		for _, p := range chosen.Properties {
			if p.Name == name {
				found = true
				for _, b := range p.Value {
					got = got<<8 | uint64(b)
				}
			}
		}
		if !found {
			t.Fatalf("chosen property %q missing", name)
		}
		if got != wantVal {
			t.Fatalf("%s = %#x, want %#x", name, got, wantVal)
		}
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	if _, err := Parse(bytes.Repeat([]byte{0}, 64)); err == nil {
		t.Fatalf("Parse accepted a blob with no FDT magic")
	}
}
