package diskimage

import (
	"fmt"
	"log/slog"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
)

// ErrUnexpectedLayout is returned by Layout.Validate for images that do not
// hold exactly one FAT32 partition.
var ErrUnexpectedLayout = errors.New("unexpected image layout")

// PartitionInfo describes one used MBR partition entry
type PartitionInfo struct {
	Number     int
	Type       mbr.Type
	StartBytes int64
	SizeBytes  int64
	Filesystem string
}

// Layout is what Inspect finds in an image file
type Layout struct {
	Path       string
	SizeBytes  int64
	TableType  string
	Partitions []PartitionInfo
}

// Inspect reads the partition table and partition filesystems of an image
// without attaching or mounting it.
func Inspect(path string) (*Layout, error) {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read partition table")
	}

	mbrTable, ok := table.(*mbr.Table)
	if !ok {
		return nil, fmt.Errorf("%w: partition table type %s is not msdos", ErrUnexpectedLayout, table.Type())
	}

	layout := &Layout{Path: path, SizeBytes: d.Size, TableType: "msdos"}
	for i, p := range mbrTable.Partitions {
		if p == nil || p.Type == mbr.Empty {
			continue
		}
		info := PartitionInfo{
			Number:     i + 1,
			Type:       p.Type,
			StartBytes: int64(p.Start) * d.LogicalBlocksize,
			SizeBytes:  int64(p.Size) * d.LogicalBlocksize,
			Filesystem: "unknown",
		}
		if fs, err := d.GetFilesystem(info.Number); err == nil {
			info.Filesystem = filesystemName(fs.Type())
		} else {
			slog.Debug("inspect_filesystem_unreadable", "image_path", path, "partition", info.Number, "error", err)
		}
		layout.Partitions = append(layout.Partitions, info)
	}

	return layout, nil
}

// Validate checks for the layout every built image must have: one FAT32
// partition starting at sector 2048.
func (l *Layout) Validate() error {
	if len(l.Partitions) != 1 {
		return fmt.Errorf("%w: expected 1 partition, found %d", ErrUnexpectedLayout, len(l.Partitions))
	}
	p := l.Partitions[0]
	if p.Type != mbr.Fat32CHS && p.Type != mbr.Fat32LBA {
		return fmt.Errorf("%w: partition 1 has type 0x%02x, want FAT32", ErrUnexpectedLayout, byte(p.Type))
	}
	if p.Filesystem != filesystemName(filesystem.TypeFat32) {
		return fmt.Errorf("%w: partition 1 holds %s, want fat32", ErrUnexpectedLayout, p.Filesystem)
	}
	return nil
}

func filesystemName(t filesystem.Type) string {
	switch t {
	case filesystem.TypeFat32:
		return "fat32"
	case filesystem.TypeISO9660:
		return "iso9660"
	case filesystem.TypeSquashfs:
		return "squashfs"
	default:
		return fmt.Sprintf("type-%d", int(t))
	}
}
