package diskimage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
)

// MountState is the mount state of an image's partition
type MountState int

const (
	Unmounted MountState = iota
	Mounted
)

func (s MountState) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Mounted:
		return "mounted"
	default:
		return fmt.Sprintf("MountState(%d)", int(s))
	}
}

// MountController guards mounting the partition of one image.
// It is not safe for concurrent use.
type MountController struct {
	mgr   blockdev.Manager
	state MountState
}

func NewMountController(mgr blockdev.Manager) *MountController {
	return &MountController{mgr: mgr, state: Unmounted}
}

func (c *MountController) State() MountState { return c.state }

// Mount moves Unmounted -> Mounted. The partition offset must be known and
// the loop device attached. On failure the state is unchanged.
func (c *MountController) Mount(ctx context.Context, desc *ImageDescriptor, loop *LoopHandle) error {
	switch c.state {
	case Mounted:
		return fmt.Errorf("%w: %s", ErrAlreadyMounted, desc.MountPath)
	case Unmounted:
	default:
		return fmt.Errorf("mount from invalid state %s", c.state)
	}

	if desc.Offset <= 0 {
		return fmt.Errorf("%w: partition table not written for %s", ErrNoPartitionOffset, desc.Path)
	}
	if loop == nil || !loop.Attached() {
		return fmt.Errorf("%w: %s", ErrLoopNotAttached, desc.Path)
	}

	if err := c.mgr.Mount(ctx, loop.Device(), desc.MountPath); err != nil {
		return err
	}
	c.state = Mounted
	slog.Info("mount_state_changed", "mount_path", desc.MountPath, "state", c.state)
	return nil
}

// Unmount moves Mounted -> Unmounted. On failure the state is unchanged.
func (c *MountController) Unmount(ctx context.Context, desc *ImageDescriptor) error {
	switch c.state {
	case Unmounted:
		return fmt.Errorf("%w: %s", ErrNotMounted, desc.MountPath)
	case Mounted:
	default:
		return fmt.Errorf("unmount from invalid state %s", c.state)
	}

	if err := c.mgr.Unmount(ctx, desc.MountPath); err != nil {
		return err
	}
	c.state = Unmounted
	slog.Info("mount_state_changed", "mount_path", desc.MountPath, "state", c.state)
	return nil
}
