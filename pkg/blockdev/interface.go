package blockdev

import (
	"context"
	"fmt"
)

// LoopDevice is an image file bound to a kernel loop block device.
type LoopDevice struct {
	// Path is the whole-disk node, e.g. /dev/loop3
	Path string
	// PartitionPath is the node of partition 1, e.g. /dev/loop3p1
	PartitionPath string
	// BackingFile is the image the device was attached from
	BackingFile string
}

func (d *LoopDevice) String() string {
	if d == nil {
		return "<detached>"
	}
	return d.Path
}

// PartitionNode returns the node the kernel exposes for partition n of a
// partition-scanned loop device.
func PartitionNode(devicePath string, n int) string {
	return fmt.Sprintf("%sp%d", devicePath, n)
}

// FormatOptions selects the filesystem created by Format.
type FormatOptions struct {
	FSType string
	Bits   int
	Label  string
}

// DefaultFormatOptions is FAT32 with the default volume label.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{FSType: DefaultFSType, Bits: DefaultFATBits, Label: DefaultLabel}
}

// Manager performs the OS-level steps of building a partitioned disk image.
// Each method is a single blocking step; sequencing and cleanup belong to the caller.
type Manager interface {
	// Allocate creates (or reinitialises) path with exactly size bytes
	Allocate(ctx context.Context, path string, size int64) error

	// WritePartitionTable writes an msdos label with one primary FAT32 partition
	// from sector 2048 to the end, and returns the byte offset of partition 1
	WritePartitionTable(ctx context.Context, path string) (int64, error)

	// Attach binds path to a free loop device with partition scanning enabled
	Attach(ctx context.Context, path string) (*LoopDevice, error)

	// Detach releases a loop device
	Detach(ctx context.Context, dev *LoopDevice) error

	// Format creates a filesystem on the device's partition node
	Format(ctx context.Context, dev *LoopDevice, opts FormatOptions) error

	// Mount mounts the device's partition node on mountPath
	Mount(ctx context.Context, dev *LoopDevice, mountPath string) error

	// Unmount unmounts mountPath
	Unmount(ctx context.Context, mountPath string) error

	// FindAttached lists loop devices currently backed by path
	FindAttached(ctx context.Context, path string) ([]string, error)

	// Close cleans up resources
	Close() error
}
