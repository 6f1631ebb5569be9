package fat32

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/firmware"
)

// fatCacheSectors is the number of FAT sectors the cache holds. A single
// 512-byte FAT sector holds 128 32-bit entries, so 8 sectors keep 1024
// entries resident; when full, the sector loaded earliest is evicted. That is
// enough to stream a cluster chain without re-reading the FAT on every
// cluster for all but very fragmented files.
const fatCacheSectors = 8

// fatClusterMask and the reserved/EOC/bad markers follow the FAT32
// specification: only the low 28 bits of each 32-bit entry are significant.
const (
	fatClusterMask = 0x0FFFFFFF
	fatEOCMin      = 0x0FFFFFF8
	fatBadCluster  = 0x0FFFFFF7
	fatFreeCluster = 0x00000000
)

// fatCache lazily reads and caches FAT sectors as cluster-chain walks touch
// them, keyed by sector index within the FAT.
type fatCache struct {
	ctx        context.Context
	cap        firmware.Capability
	partStart  uint64
	fatLBA     uint64
	sectors    map[uint64][]byte
	lru        []uint64
}

func newFATCache(ctx context.Context, cap firmware.Capability, partStart, fatLBA uint64) *fatCache {
	return &fatCache{ctx: ctx, cap: cap, partStart: partStart, fatLBA: fatLBA, sectors: make(map[uint64][]byte)}
}

func (c *fatCache) entry(cluster uint32) (uint32, error) {
	byteOffset := uint64(cluster) * 4
	sectorIdx := byteOffset / sectorSize
	offsetInSector := byteOffset % sectorSize

	sector, ok := c.sectors[sectorIdx]
	if !ok {
		sector = make([]byte, sectorSize)
		if err := firmware.ReadSectors(c.ctx, c.cap, c.partStart+c.fatLBA+sectorIdx, 1, sector); err != nil {
			return 0, fmt.Errorf("read FAT sector %d: %w", sectorIdx, err)
		}
		c.evictIfFull()
		c.sectors[sectorIdx] = sector
		c.lru = append(c.lru, sectorIdx)
	}
	return binary.LittleEndian.Uint32(sector[offsetInSector:offsetInSector+4]) & fatClusterMask, nil
}

func (c *fatCache) evictIfFull() {
	if len(c.sectors) < fatCacheSectors {
		return
	}
	oldest := c.lru[0]
	c.lru = c.lru[1:]
	delete(c.sectors, oldest)
}

// clusterChain returns every cluster number in the file or directory's
// chain starting at start, in order. A chain that loops back on itself (a
// corrupt FAT) is detected via a visited set rather than trusting the EOC
// marker alone.
func clusterChain(fc *fatCache, start uint32) ([]uint32, error) {
	if start < 2 {
		return nil, fmt.Errorf("%w: invalid start cluster %d", bootctx.ErrIoError, start)
	}
	var chain []uint32
	visited := make(map[uint32]bool)
	cur := start
	for {
		if visited[cur] {
			return nil, fmt.Errorf("%w: cluster chain loops at %d", bootctx.ErrIoError, cur)
		}
		visited[cur] = true
		chain = append(chain, cur)

		next, err := fc.entry(cur)
		if err != nil {
			return nil, err
		}
		if next == fatFreeCluster || next == fatBadCluster {
			return nil, fmt.Errorf("%w: cluster chain hit free/bad cluster", bootctx.ErrIoError)
		}
		if next >= fatEOCMin {
			return chain, nil
		}
		cur = next
	}
}
