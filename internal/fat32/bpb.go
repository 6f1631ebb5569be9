package fat32

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
)

// bpb is the parsed DOS 3.31 BIOS Parameter Block plus the FAT32-specific
// DOS 7.1 extension, field layout grounded on the reference BPB reader in
// the retrieval corpus's diskfs package.
type bpb struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	sectorsPerFAT32   uint32
	rootCluster       uint32
	fsInfoSector      uint16
	totalSectors      uint32
	volumeLabel       string
}

func parseBPB(sector []byte) (*bpb, error) {
	if len(sector) < sectorSize {
		return nil, fmt.Errorf("%w: boot sector short read", bootctx.ErrIoError)
	}
	b := &bpb{
		bytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		sectorsPerCluster: sector[13],
		reservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		numFATs:           sector[16],
		sectorsPerFAT32:   binary.LittleEndian.Uint32(sector[36:40]),
		rootCluster:       binary.LittleEndian.Uint32(sector[44:48]),
		fsInfoSector:      binary.LittleEndian.Uint16(sector[48:50]),
	}
	totalSectors16 := binary.LittleEndian.Uint16(sector[19:21])
	if totalSectors16 != 0 {
		b.totalSectors = uint32(totalSectors16)
	} else {
		b.totalSectors = binary.LittleEndian.Uint32(sector[32:36])
	}
	if b.bytesPerSector != sectorSize {
		return nil, fmt.Errorf("%w: unsupported sector size %d", bootctx.ErrNoValidFilesystem, b.bytesPerSector)
	}
	if b.sectorsPerCluster == 0 || (b.sectorsPerCluster&(b.sectorsPerCluster-1)) != 0 {
		return nil, fmt.Errorf("%w: invalid sectors-per-cluster %d", bootctx.ErrNoValidFilesystem, b.sectorsPerCluster)
	}
	if b.numFATs == 0 || b.sectorsPerFAT32 == 0 {
		return nil, fmt.Errorf("%w: not a FAT32 volume (no 32-bit FAT size)", bootctx.ErrNoValidFilesystem)
	}
	if string(sector[82:90]) != "FAT32   " {
		return nil, fmt.Errorf("%w: missing FAT32 file system type string", bootctx.ErrNoValidFilesystem)
	}
	label := string(sector[71:82])
	b.volumeLabel = trimTrailingSpaces(label)
	return b, nil
}

func trimTrailingSpaces(s string) string {
	end := len(s)
	for end > 0 && s[end-1] == ' ' {
		end--
	}
	return s[:end]
}

// firstFATSector returns the LBA, relative to the partition start, of the
// first sector of the first FAT.
func (b *bpb) firstFATSector() uint64 { return uint64(b.reservedSectors) }

// firstDataSector returns the LBA, relative to the partition start, of
// cluster 2.
func (b *bpb) firstDataSector() uint64 {
	return uint64(b.reservedSectors) + uint64(b.numFATs)*uint64(b.sectorsPerFAT32)
}

// clusterToLBA converts a cluster number to its first sector's LBA,
// relative to the partition start.
func (b *bpb) clusterToLBA(cluster uint32) uint64 {
	return b.firstDataSector() + uint64(cluster-2)*uint64(b.sectorsPerCluster)
}
