package fat32

import (
	"strings"
	"unicode/utf16"
)

const (
	dirEntrySize = 32

	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDirDir   = 0x10
	attrArchive  = 0x20
	attrLFN      = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	lfnLastEntryFlag = 0x40

	// maxLFNSlots bounds a reconstructed long name to 20 slot entries (260
	// UCS-2 units); a sequence number beyond it marks a corrupt chain.
	maxLFNSlots = 20
)

// DirEntry describes a resolved directory entry: a short (8.3) name entry
// with its preceding long-file-name entries, if any, reassembled into a
// single name.
type DirEntry struct {
	Name      string
	IsDir     bool
	Size      uint32
	Cluster   uint32
}

// parseDirSector scans one 512-byte directory sector, accumulating pending
// LFN fragments and yielding fully resolved entries. pendingLFN carries
// fragments across a sector boundary, since a long name's LFN entries are
// not guaranteed to live in the same sector as its short entry.
func parseDirSector(sector []byte, pendingLFN *[]lfnFragment) ([]DirEntry, bool) {
	var entries []DirEntry
	done := false
	for off := 0; off+dirEntrySize <= len(sector); off += dirEntrySize {
		raw := sector[off : off+dirEntrySize]
		first := raw[0]
		if first == 0x00 {
			done = true
			break
		}
		if first == 0xE5 {
			*pendingLFN = nil
			continue
		}
		attr := raw[11]
		if attr&attrLFN == attrLFN {
			frag, ok := parseLFNEntry(raw)
			if !ok || frag.sequence > maxLFNSlots {
				*pendingLFN = nil
				continue
			}
			// Slots arrive in descending sequence order; a gap or repeat
			// means a corrupt chain, so discard what was collected and
			// resync from this fragment.
			if n := len(*pendingLFN); n > 0 && frag.sequence != (*pendingLFN)[n-1].sequence-1 {
				*pendingLFN = nil
			}
			*pendingLFN = append(*pendingLFN, frag)
			continue
		}
		if attr&attrVolumeID != 0 {
			*pendingLFN = nil
			continue
		}

		name := resolveLFN(*pendingLFN)
		*pendingLFN = nil
		if name == "" {
			name = shortNameFromEntry(raw)
		}
		entries = append(entries, DirEntry{
			Name:    name,
			IsDir:   attr&attrDirDir != 0,
			Size:    leUint32(raw[28:32]),
			Cluster: uint32(leUint16(raw[20:22]))<<16 | uint32(leUint16(raw[26:28])),
		})
	}
	return entries, done
}

type lfnFragment struct {
	sequence int
	chars    []uint16
}

func parseLFNEntry(raw []byte) (lfnFragment, bool) {
	seq := raw[0]
	if seq == 0 || seq == 0xE5 {
		return lfnFragment{}, false
	}
	ordinal := int(seq &^ lfnLastEntryFlag)

	var chars []uint16
	chars = append(chars, leUint16Slice(raw[1:11])...)
	chars = append(chars, leUint16Slice(raw[14:26])...)
	chars = append(chars, leUint16Slice(raw[28:32])...)

	// Trim at the first 0x0000 terminator; 0xFFFF padding after it is
	// discarded too.
	for i, c := range chars {
		if c == 0x0000 {
			chars = chars[:i]
			break
		}
	}
	return lfnFragment{sequence: ordinal, chars: chars}, true
}

// resolveLFN reassembles a name from its fragments, which are accumulated in
// on-disk order (highest sequence number first, as FAT32 stores them).
func resolveLFN(fragments []lfnFragment) string {
	if len(fragments) == 0 {
		return ""
	}
	// FAT32 stores LFN entries in descending sequence order immediately
	// before the short entry; reverse to ascending before concatenating.
	ordered := make([]lfnFragment, len(fragments))
	copy(ordered, fragments)
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	var units []uint16
	for _, f := range ordered {
		units = append(units, f.chars...)
	}
	return string(utf16.Decode(units))
}

func shortNameFromEntry(raw []byte) string {
	name := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint16Slice(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = leUint16(b[i*2 : i*2+2])
	}
	return out
}
