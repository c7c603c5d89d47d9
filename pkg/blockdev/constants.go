package blockdev

import "time"

// Defaults for the single-partition FAT32 layout.
const (
	// DefaultSectorSize is the logical sector size in bytes (512 bytes)
	DefaultSectorSize = 512
	// PartitionStartSector is where partition 1 begins (1MiB aligned)
	PartitionStartSector = 2048
	// DefaultFSType is the mkfs filesystem type
	DefaultFSType = "vfat"
	// DefaultFATBits selects FAT32
	DefaultFATBits = 32
	// DefaultLabel is the FAT volume label (at most 11 characters)
	DefaultLabel = "KOLIBRI"

	// DefaultNodeWait bounds how long Attach waits for the partition node
	DefaultNodeWait = 5 * time.Second
	// nodePollInterval is the partition node poll period
	nodePollInterval = 50 * time.Millisecond
)
