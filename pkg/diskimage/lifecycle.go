// Package diskimage assembles FAT32 disk images preloaded with offline content.
//
// A build is a strict sequence of blocking steps: allocate the image file,
// write the partition table, attach a loop device, format partition 1, mount
// it, populate each content selection, then unmount and detach. Any fatal
// failure after the loop device is attached still unmounts and detaches
// before the error is returned, so a failed build never leaves a bound loop
// device or a live mount behind.
package diskimage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/kolibri-offline/imagebuilder/pkg/sizespec"
)

// Builder creates disk images. A Builder may run many builds, one at a time
// or concurrently; each CreateDiskImage call owns its own image, loop device
// and mount directory.
type Builder struct {
	mgr        blockdev.Manager
	populator  Populator
	runMode    string
	format     blockdev.FormatOptions
	tempDir    string
	keepFailed bool
	finalizers []Finalizer
	observer   func(Event)
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithRunMode sets the run-mode tag handed to the populator
func WithRunMode(mode string) BuilderOption {
	return func(b *Builder) { b.runMode = mode }
}

// WithFormatOptions overrides the FAT32 defaults (e.g. the volume label)
func WithFormatOptions(opts blockdev.FormatOptions) BuilderOption {
	return func(b *Builder) { b.format = opts }
}

// WithTempDir sets where private mount directories are created
func WithTempDir(dir string) BuilderOption {
	return func(b *Builder) { b.tempDir = dir }
}

// WithKeepFailedImage leaves the image file in place when a build fails
func WithKeepFailedImage() BuilderOption {
	return func(b *Builder) { b.keepFailed = true }
}

// WithFinalizers adds steps run on the mounted image after population
func WithFinalizers(fns ...Finalizer) BuilderOption {
	return func(b *Builder) { b.finalizers = append(b.finalizers, fns...) }
}

// WithObserver receives an Event after every completed step
func WithObserver(fn func(Event)) BuilderOption {
	return func(b *Builder) { b.observer = fn }
}

// Step names a stage of the build
type Step string

const (
	StepAllocate  Step = "allocate"
	StepPartition Step = "partition"
	StepAttach    Step = "attach"
	StepFormat    Step = "format"
	StepMount     Step = "mount"
	StepPopulate  Step = "populate"
	StepFinalize  Step = "finalize"
	StepUnmount   Step = "unmount"
	StepDetach    Step = "detach"
)

// Event reports progress of a build
type Event struct {
	Step      Step
	ImagePath string
	Device    string
	MountPath string
	ChannelID string
	Err       error
}

func NewBuilder(mgr blockdev.Manager, populator Populator, opts ...BuilderOption) *Builder {
	b := &Builder{
		mgr:       mgr,
		populator: populator,
		runMode:   DefaultRunMode,
		format:    blockdev.DefaultFormatOptions(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ResolveImagePath returns destination when it names an .img file; otherwise
// destination is a directory (created if missing) and a random image name is
// generated inside it. An empty destination uses the system temp directory.
func ResolveImagePath(destination string) (string, error) {
	return ResolveNamedImagePath(destination, "")
}

// ResolveNamedImagePath is ResolveImagePath with the generated file named
// name.img instead of a random name.
func ResolveNamedImagePath(destination, name string) (string, error) {
	if strings.HasSuffix(destination, ImageExt) {
		return destination, nil
	}
	dir := destination
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.WrapKind(blockdev.ErrAllocation, err, "failed to create image directory")
	}
	if name == "" {
		name = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return filepath.Join(dir, name+ImageExt), nil
}

// CreateDiskImage builds one image of the given size at destination,
// importing selections in order. A selection that fails to import is
// recorded in Result.FailedChannels and the build continues.
func (b *Builder) CreateDiskImage(ctx context.Context, selections []ContentSelection, size, destination string) (*Result, error) {
	sizeBytes, err := sizespec.Parse(size)
	if err != nil {
		return nil, err
	}
	path, err := ResolveImagePath(destination)
	if err != nil {
		return nil, err
	}
	return b.Build(ctx, selections, path, sizeBytes)
}

// Build runs the full pipeline for an already resolved path and size.
func (b *Builder) Build(ctx context.Context, selections []ContentSelection, path string, sizeBytes int64) (result *Result, err error) {
	slog.Info("build_start", "image_path", path, "size_bytes", sizeBytes, "selections", len(selections))

	if sizeBytes <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", blockdev.ErrAllocation, sizeBytes)
	}

	mountPath, err := os.MkdirTemp(b.tempDir, "kolibri-mount-*")
	if err != nil {
		slog.Error("mount_dir_creation_failed", "error", err)
		return nil, errors.Wrap(err, "failed to create mount directory")
	}

	desc := &ImageDescriptor{Path: path, SizeBytes: sizeBytes, MountPath: mountPath}
	loop := NewLoopHandle(b.mgr)
	mounts := NewMountController(b.mgr)

	unmountTried := false
	defer func() {
		if releaseErr := b.release(context.WithoutCancel(ctx), desc, loop, mounts, err != nil, unmountTried); releaseErr != nil {
			err = errors.Join(err, releaseErr)
			result = nil
		}
	}()

	if _, statErr := os.Lstat(desc.Path); os.IsNotExist(statErr) {
		desc.Created = true
	}
	if err := b.mgr.Allocate(ctx, desc.Path, desc.SizeBytes); err != nil {
		return nil, err
	}
	desc.Created = true
	b.emit(Event{Step: StepAllocate, ImagePath: desc.Path})

	offset, err := b.mgr.WritePartitionTable(ctx, desc.Path)
	if err != nil {
		return nil, err
	}
	desc.Offset = offset
	b.emit(Event{Step: StepPartition, ImagePath: desc.Path})

	dev, err := loop.Attach(ctx, desc)
	if err != nil {
		return nil, err
	}
	b.emit(Event{Step: StepAttach, ImagePath: desc.Path, Device: dev.Path})

	if err := b.mgr.Format(ctx, dev, b.format); err != nil {
		return nil, err
	}
	b.emit(Event{Step: StepFormat, ImagePath: desc.Path, Device: dev.Path})

	if err := mounts.Mount(ctx, desc, loop); err != nil {
		return nil, err
	}
	b.emit(Event{Step: StepMount, ImagePath: desc.Path, Device: dev.Path, MountPath: desc.MountPath})

	if err := os.MkdirAll(desc.ContentHome(), 0o755); err != nil {
		slog.Error("content_home_creation_failed", "path", desc.ContentHome(), "error", err)
		return nil, errors.Wrap(err, "failed to create content directory")
	}

	result = &Result{Path: desc.Path, SizeBytes: desc.SizeBytes, Offset: desc.Offset, Channels: len(selections)}
	for _, sel := range selections {
		if chErr := b.populate(ctx, desc, sel); chErr != nil {
			result.FailedChannels = append(result.FailedChannels, chErr)
		}
	}

	for _, fn := range b.finalizers {
		if err := fn(ctx, desc); err != nil {
			slog.Error("finalize_failed", "image_path", desc.Path, "error", err)
			return nil, errors.Wrap(err, "failed to finalize image")
		}
	}
	b.emit(Event{Step: StepFinalize, ImagePath: desc.Path, MountPath: desc.MountPath})

	unmountTried = true
	if err := mounts.Unmount(ctx, desc); err != nil {
		return nil, err
	}
	b.emit(Event{Step: StepUnmount, ImagePath: desc.Path, MountPath: desc.MountPath})

	if err := loop.Detach(ctx); err != nil {
		return nil, err
	}
	b.emit(Event{Step: StepDetach, ImagePath: desc.Path, Device: dev.Path})

	slog.Info("build_complete",
		"image_path", result.Path,
		"channels", result.Channels,
		"failed_channels", len(result.FailedChannels),
	)
	return result, nil
}

// populate imports one selection. The returned error is recorded, not fatal.
func (b *Builder) populate(ctx context.Context, desc *ImageDescriptor, sel ContentSelection) *ChannelError {
	slog.Info("populate_channel", "channel_id", sel.ChannelID, "content_home", desc.ContentHome())

	err := b.populator.Populate(ctx, PopulateRequest{
		Selection:   sel,
		ContentHome: desc.ContentHome(),
		RunMode:     b.runMode,
	})
	b.emit(Event{Step: StepPopulate, ImagePath: desc.Path, ChannelID: sel.ChannelID, Err: err})
	if err != nil {
		slog.Warn("channel_import_failed", "channel_id", sel.ChannelID, "error", err)
		return &ChannelError{ChannelID: sel.ChannelID, Err: err}
	}

	slog.Info("channel_imported", "channel_id", sel.ChannelID)
	return nil
}

// release undoes whatever the build still holds: the mount, the loop device
// and the private mount directory. The image file is removed too when the
// build failed and everything else was released and unmounted. An unmount that already
// failed is not attempted again; the loop device is still detached.
func (b *Builder) release(ctx context.Context, desc *ImageDescriptor, loop *LoopHandle, mounts *MountController, failed, unmountTried bool) error {
	var errs []error

	if mounts.State() == Mounted {
		if unmountTried {
			slog.Warn("release_left_mounted", "mount_path", desc.MountPath)
		} else {
			slog.Warn("release_unmount", "mount_path", desc.MountPath)
			if err := mounts.Unmount(ctx, desc); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if loop.Attached() {
		slog.Warn("release_detach", "device", loop.Device().Path)
		if err := loop.Detach(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if mounts.State() == Unmounted {
		if err := os.Remove(desc.MountPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("mount_dir_removal_failed", "path", desc.MountPath, "error", err)
		}
	}

	if failed && desc.Created && !b.keepFailed && len(errs) == 0 && mounts.State() == Unmounted {
		slog.Info("remove_failed_image", "image_path", desc.Path)
		if err := os.Remove(desc.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed_image_removal_failed", "image_path", desc.Path, "error", err)
		}
	}

	if len(errs) > 0 {
		slog.Error("release_failed", "image_path", desc.Path, "error", errors.Join(errs...))
		return errors.Wrap(errors.Join(errs...), "failed to release image resources")
	}
	return nil
}

func (b *Builder) emit(e Event) {
	if b.observer != nil {
		b.observer(e)
	}
}
