//go:build linux

package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/kolibri-offline/imagebuilder/pkg/executil"
	"golang.org/x/sys/unix"
)

// LinuxManager implements Manager with fallocate, parted, losetup, mkfs and mount
type LinuxManager struct {
	run      executil.Runner
	stat     func(string) error
	nodeWait time.Duration
}

// Option configures a LinuxManager
type Option func(*LinuxManager)

// WithRunner replaces the command runner
func WithRunner(r executil.Runner) Option {
	return func(m *LinuxManager) { m.run = r }
}

// WithNodeWait bounds how long Attach waits for the partition node to appear
func WithNodeWait(d time.Duration) Option {
	return func(m *LinuxManager) { m.nodeWait = d }
}

func withStat(stat func(string) error) Option {
	return func(m *LinuxManager) { m.stat = stat }
}

// NewManager creates a Linux block device manager. Loop devices and mounts
// require root.
func NewManager(opts ...Option) (Manager, error) {
	slog.Info("blockdev_init", "platform", "linux")

	if os.Geteuid() != 0 {
		slog.Error("blockdev_requires_root")
		return nil, fmt.Errorf("%w: loop devices and mounts require root privileges", ErrNotSupported)
	}

	return newLinuxManager(opts...), nil
}

func newLinuxManager(opts ...Option) *LinuxManager {
	m := &LinuxManager{
		run: executil.Default,
		stat: func(p string) error {
			_, err := os.Stat(p)
			return err
		},
		nodeWait: DefaultNodeWait,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *LinuxManager) Allocate(ctx context.Context, path string, size int64) error {
	slog.Info("allocate_image", "image_path", path, "size_bytes", size)

	if size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrAllocation, size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		slog.Error("allocate_open_failed", "image_path", path, "error", err)
		return errors.WrapKind(ErrAllocation, err, "failed to create image file")
	}
	defer f.Close()

	err = unix.Fallocate(int(f.Fd()), 0, 0, size)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		// Filesystems without fallocate get a sparse file instead.
		slog.Warn("fallocate_unsupported", "image_path", path, "fallback", "truncate")
		err = f.Truncate(size)
	}
	if err != nil {
		slog.Error("allocate_failed", "image_path", path, "size_bytes", size, "error", err)
		return errors.WrapKind(ErrAllocation, err, "failed to allocate image")
	}

	slog.Info("allocate_complete", "image_path", path)
	return nil
}

func (m *LinuxManager) WritePartitionTable(ctx context.Context, path string) (int64, error) {
	slog.Info("write_partition_table", "image_path", path, "start_sector", PartitionStartSector)

	out, err := m.run.Run(ctx, executil.Command{
		Name: "parted",
		Args: []string{
			"--script", path,
			"unit", "B",
			"mklabel", "msdos",
			"mkpart", "primary", "fat32", fmt.Sprintf("%ds", PartitionStartSector), "100%",
			"print",
		},
	})
	if err != nil {
		slog.Error("parted_failed", "image_path", path, "error", err)
		return 0, errors.WrapKind(ErrPartition, err, "failed to write partition table")
	}

	offset, err := ParsePartitionOffset(string(out))
	if err != nil {
		slog.Error("partition_offset_not_found", "image_path", path, "error", err)
		return 0, err
	}

	slog.Info("partition_table_written", "image_path", path, "offset", offset)
	return offset, nil
}

func (m *LinuxManager) Attach(ctx context.Context, path string) (*LoopDevice, error) {
	slog.Info("attach_loop_device", "image_path", path)

	out, err := m.run.Run(ctx, executil.Command{
		Name: "losetup",
		Args: []string{"--find", "--show", "--partscan", path},
	})
	if err != nil {
		slog.Error("losetup_attach_failed", "image_path", path, "error", err)
		return nil, errors.WrapKind(ErrLoopDevice, err, "failed to attach loop device")
	}

	devicePath := strings.TrimSpace(string(out))
	if devicePath == "" {
		slog.Error("losetup_no_device", "image_path", path)
		return nil, fmt.Errorf("%w: losetup did not report a device for %s", ErrLoopDevice, path)
	}

	dev := &LoopDevice{
		Path:          devicePath,
		PartitionPath: PartitionNode(devicePath, 1),
		BackingFile:   path,
	}

	if err := m.waitForNode(ctx, dev.PartitionPath); err != nil {
		slog.Error("partition_node_missing", "device", dev.Path, "partition", dev.PartitionPath, "error", err)
		if detachErr := m.Detach(ctx, dev); detachErr != nil {
			err = errors.Join(err, detachErr)
		}
		return nil, errors.WrapKind(ErrLoopDevice, err, "partition node did not appear")
	}

	slog.Info("loop_device_attached", "image_path", path, "device", dev.Path, "partition", dev.PartitionPath)
	return dev, nil
}

// waitForNode polls until udev (or the kernel) has created node.
func (m *LinuxManager) waitForNode(ctx context.Context, node string) error {
	deadline := time.Now().Add(m.nodeWait)
	for {
		err := m.stat(node)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("waiting for %s: %w", node, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(nodePollInterval):
		}
	}
}

func (m *LinuxManager) Detach(ctx context.Context, dev *LoopDevice) error {
	if dev == nil || dev.Path == "" {
		return nil
	}
	slog.Info("detach_loop_device", "device", dev.Path)

	if _, err := m.run.Run(ctx, executil.Command{Name: "losetup", Args: []string{"--detach", dev.Path}}); err != nil {
		slog.Error("losetup_detach_failed", "device", dev.Path, "error", err)
		return errors.WrapKind(ErrLoopDevice, err, "failed to detach loop device")
	}

	slog.Info("loop_device_detached", "device", dev.Path)
	return nil
}

func (m *LinuxManager) Format(ctx context.Context, dev *LoopDevice, opts FormatOptions) error {
	if dev == nil || dev.PartitionPath == "" {
		return fmt.Errorf("%w: no partition device to format", ErrFormat)
	}
	if opts.FSType == "" {
		opts.FSType = DefaultFSType
	}

	args := []string{"-t", opts.FSType}
	if opts.Bits > 0 {
		args = append(args, "-F", strconv.Itoa(opts.Bits))
	}
	if opts.Label != "" {
		args = append(args, "-n", opts.Label)
	}
	args = append(args, dev.PartitionPath)

	slog.Info("format_device", "partition", dev.PartitionPath, "filesystem", opts.FSType, "bits", opts.Bits)

	if _, err := m.run.Run(ctx, executil.Command{Name: "mkfs", Args: args}); err != nil {
		slog.Error("device_format_failed", "partition", dev.PartitionPath, "error", err)
		return errors.WrapKind(ErrFormat, err, "failed to format device")
	}

	slog.Info("format_complete", "partition", dev.PartitionPath)
	return nil
}

func (m *LinuxManager) Mount(ctx context.Context, dev *LoopDevice, mountPath string) error {
	if dev == nil || dev.PartitionPath == "" {
		return fmt.Errorf("%w: no partition device to mount", ErrMount)
	}
	slog.Info("mount_device", "partition", dev.PartitionPath, "mount_path", mountPath)

	if _, err := m.run.Run(ctx, executil.Command{Name: "mount", Args: []string{dev.PartitionPath, mountPath}}); err != nil {
		slog.Error("mount_failed", "partition", dev.PartitionPath, "mount_path", mountPath, "error", err)
		return errors.WrapKind(ErrMount, err, "failed to mount device")
	}

	slog.Info("mount_complete", "mount_path", mountPath)
	return nil
}

func (m *LinuxManager) Unmount(ctx context.Context, mountPath string) error {
	slog.Info("unmount_device", "mount_path", mountPath)

	if _, err := m.run.Run(ctx, executil.Command{Name: "umount", Args: []string{mountPath}}); err != nil {
		slog.Error("unmount_failed", "mount_path", mountPath, "error", err)
		return errors.WrapKind(ErrUnmount, err, "failed to unmount device")
	}

	slog.Info("unmount_complete", "mount_path", mountPath)
	return nil
}

func (m *LinuxManager) FindAttached(ctx context.Context, path string) ([]string, error) {
	out, err := m.run.Run(ctx, executil.Command{Name: "losetup", Args: []string{"--associated", path}})
	if err != nil {
		slog.Error("losetup_list_failed", "image_path", path, "error", err)
		return nil, errors.WrapKind(ErrLoopDevice, err, "failed to list loop devices")
	}
	return ParseLosetupAssociations(string(out)), nil
}

func (m *LinuxManager) Close() error {
	return nil
}

// IsMountPoint reports whether path is currently a mount point
func IsMountPoint(path string) bool {
	data, err := os.ReadFile("/proc/self/mounts")
	if err != nil {
		return false
	}
	return MountPointListed(string(data), path)
}
