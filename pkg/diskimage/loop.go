package diskimage

import (
	"context"
	"log/slog"

	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
)

// LoopHandle owns at most one loop device for an image
type LoopHandle struct {
	mgr blockdev.Manager
	dev *blockdev.LoopDevice
}

func NewLoopHandle(mgr blockdev.Manager) *LoopHandle {
	return &LoopHandle{mgr: mgr}
}

// Attach binds the image to a loop device, or returns the device already bound.
func (h *LoopHandle) Attach(ctx context.Context, desc *ImageDescriptor) (*blockdev.LoopDevice, error) {
	if h.dev != nil {
		slog.Info("loop_device_reused", "image_path", desc.Path, "device", h.dev.Path)
		return h.dev, nil
	}
	dev, err := h.mgr.Attach(ctx, desc.Path)
	if err != nil {
		return nil, err
	}
	h.dev = dev
	return dev, nil
}

// Detach releases the device. Detaching with nothing attached is a no-op.
// On failure the handle keeps the device so a later Detach can retry.
func (h *LoopHandle) Detach(ctx context.Context) error {
	if h.dev == nil {
		return nil
	}
	if err := h.mgr.Detach(ctx, h.dev); err != nil {
		return err
	}
	h.dev = nil
	return nil
}

// Device returns the attached device, or nil
func (h *LoopHandle) Device() *blockdev.LoopDevice { return h.dev }

func (h *LoopHandle) Attached() bool { return h.dev != nil }
