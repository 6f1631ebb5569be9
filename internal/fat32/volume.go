package fat32

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/simpleboot/internal/bootctx"
	"github.com/tinyrange/simpleboot/internal/firmware"
)

// Volume is an opened FAT32 filesystem on the boot device.
type Volume struct {
	ctx   context.Context
	cap   firmware.Capability
	part  Partition
	bpb   *bpb
	fat   *fatCache
}

// Open locates and opens the boot FAT32 volume.
func Open(ctx context.Context, cap firmware.Capability) (*Volume, error) {
	part, err := FindPartition(ctx, cap)
	if err != nil {
		return nil, err
	}
	boot := make([]byte, sectorSize)
	if err := firmware.ReadSectors(ctx, cap, part.StartLBA, 1, boot); err != nil {
		return nil, err
	}
	b, err := parseBPB(boot)
	if err != nil {
		return nil, err
	}
	return &Volume{
		ctx:  ctx,
		cap:  cap,
		part: part,
		bpb:  b,
		fat:  newFATCache(ctx, cap, part.StartLBA, b.firstFATSector()),
	}, nil
}

// Label returns the volume label recorded in the boot sector's EBPB.
func (v *Volume) Label() string { return v.bpb.volumeLabel }

// BootUUID identifies the partition the volume was opened from: the GPT
// UniquePartitionGUID, or a synthetic MBR identifier (see Partition).
func (v *Volume) BootUUID() [16]byte { return v.part.UUID }

// Lookup resolves a '/'-separated path from the root directory, returning
// the matching entry. Path components are compared case-insensitively,
// matching FAT32's case-insensitive (though case-preserving) long names.
func (v *Volume) Lookup(path string) (DirEntry, error) {
	parts := splitPath(path)
	cluster := v.bpb.rootCluster
	var entry DirEntry
	for i, part := range parts {
		entries, err := v.readDir(cluster)
		if err != nil {
			return DirEntry{}, err
		}
		found := false
		for _, e := range entries {
			if strings.EqualFold(e.Name, part) {
				entry = e
				found = true
				break
			}
		}
		if !found {
			return DirEntry{}, fmt.Errorf("%w: %q not found", bootctx.ErrFileNotFound, path)
		}
		isLast := i == len(parts)-1
		if !isLast {
			if !entry.IsDir {
				return DirEntry{}, fmt.Errorf("%w: %q is not a directory", bootctx.ErrFileNotFound, part)
			}
			cluster = entry.Cluster
		}
	}
	return entry, nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (v *Volume) readDir(cluster uint32) ([]DirEntry, error) {
	chain, err := clusterChain(v.fat, cluster)
	if err != nil {
		return nil, err
	}
	var all []DirEntry
	var pending []lfnFragment
	sector := make([]byte, sectorSize)
outer:
	for _, c := range chain {
		lba := v.part.StartLBA + v.bpb.clusterToLBA(c)
		for s := uint8(0); s < v.bpb.sectorsPerCluster; s++ {
			if err := firmware.ReadSectors(v.ctx, v.cap, lba+uint64(s), 1, sector); err != nil {
				return nil, err
			}
			entries, done := parseDirSector(sector, &pending)
			all = append(all, entries...)
			if done {
				break outer
			}
		}
	}
	return all, nil
}

// ReadFileOptions controls ReadFile's optional progress reporting and
// cancellation behavior.
type ReadFileOptions struct {
	// ShowProgress renders a terminal progress bar while streaming, the
	// same io.MultiWriter(dst, bar) fan-out the image downloader uses.
	ShowProgress bool
	Label        string
	// CancelOnKey aborts the read and returns bootctx.ErrUserCancel as soon
	// as Capability.PollKey reports a pending keystroke.
	CancelOnKey bool
}

// ReadFile streams the named file's full contents to dst, one cluster's
// worth of sectors at a time so a multi-hundred-megabyte kernel image never
// needs to be buffered whole in memory.
func (v *Volume) ReadFile(path string, dst io.Writer, opts ReadFileOptions) error {
	entry, err := v.Lookup(path)
	if err != nil {
		return err
	}
	if entry.IsDir {
		return fmt.Errorf("%w: %q is a directory", bootctx.ErrFileNotFound, path)
	}
	if entry.Size == 0 {
		return nil
	}

	chain, err := clusterChain(v.fat, entry.Cluster)
	if err != nil {
		return err
	}

	writer := dst
	var bar *progressbar.ProgressBar
	if opts.ShowProgress {
		label := opts.Label
		if label == "" {
			label = path
		}
		bar = progressbar.DefaultBytes(int64(entry.Size), label)
		defer bar.Close()
		writer = io.MultiWriter(dst, bar)
	}

	remaining := uint64(entry.Size)
	clusterBytes := uint64(v.bpb.sectorsPerCluster) * sectorSize
	buf := make([]byte, clusterBytes)
	for _, c := range chain {
		if remaining == 0 {
			break
		}
		if opts.CancelOnKey && v.cap.PollKey() {
			return bootctx.ErrUserCancel
		}
		if err := v.ctx.Err(); err != nil {
			return err
		}
		lba := v.part.StartLBA + v.bpb.clusterToLBA(c)
		if err := firmware.ReadSectors(v.ctx, v.cap, lba, int(v.bpb.sectorsPerCluster), buf); err != nil {
			return err
		}
		n := clusterBytes
		if remaining < n {
			n = remaining
		}
		if _, err := writer.Write(buf[:n]); err != nil {
			return fmt.Errorf("%w: %v", bootctx.ErrIoError, err)
		}
		remaining -= n
	}
	return nil
}

// ReadDir lists the entries of the directory at path ("" or "/" for root).
func (v *Volume) ReadDir(path string) ([]DirEntry, error) {
	if parts := splitPath(path); len(parts) == 0 {
		return v.readDir(v.bpb.rootCluster)
	}
	entry, err := v.Lookup(path)
	if err != nil {
		return nil, err
	}
	if !entry.IsDir {
		return nil, fmt.Errorf("%w: %q is not a directory", bootctx.ErrFileNotFound, path)
	}
	return v.readDir(entry.Cluster)
}

// Walk visits every entry reachable from path (root if empty) depth-first,
// calling fn with each entry's full '/'-separated path. It stops and
// returns fn's error as soon as fn returns one.
func (v *Volume) Walk(path string, fn func(fullPath string, entry DirEntry) error) error {
	entries, err := v.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		full := strings.TrimLeft(path+"/"+e.Name, "/")
		if err := fn(full, e); err != nil {
			return err
		}
		if e.IsDir {
			if err := v.Walk(full, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
