package diskimage

import (
	"context"
	"errors"
	"testing"

	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
	"github.com/kolibri-offline/imagebuilder/pkg/blockdev/blockdevtest"
	"gotest.tools/v3/assert"
)

func TestLoopAttachIsIdempotent(t *testing.T) {
	mgr := blockdevtest.NewFake()
	desc := &ImageDescriptor{Path: "/tmp/a.img"}
	h := NewLoopHandle(mgr)

	first, err := h.Attach(context.Background(), desc)
	assert.NilError(t, err)
	second, err := h.Attach(context.Background(), desc)
	assert.NilError(t, err)

	assert.Assert(t, first == second)
	assert.Equal(t, len(mgr.Attached), 1)
	assert.Equal(t, mgr.Sequence(), "attach")
}

func TestLoopDetachTwiceIsNoop(t *testing.T) {
	mgr := blockdevtest.NewFake()
	h := NewLoopHandle(mgr)
	_, err := h.Attach(context.Background(), &ImageDescriptor{Path: "/tmp/a.img"})
	assert.NilError(t, err)

	assert.NilError(t, h.Detach(context.Background()))
	assert.NilError(t, h.Detach(context.Background()))
	assert.Assert(t, !h.Attached())
	assert.Equal(t, mgr.Sequence(), "attach detach")
}

func TestLoopDetachFailureKeepsDevice(t *testing.T) {
	mgr := blockdevtest.NewFake()
	h := NewLoopHandle(mgr)
	_, err := h.Attach(context.Background(), &ImageDescriptor{Path: "/tmp/a.img"})
	assert.NilError(t, err)

	mgr.Fail["detach"] = blockdev.ErrLoopDevice
	assert.Assert(t, errors.Is(h.Detach(context.Background()), blockdev.ErrLoopDevice))
	assert.Assert(t, h.Attached())

	delete(mgr.Fail, "detach")
	assert.NilError(t, h.Detach(context.Background()))
	assert.Assert(t, !h.Attached())
}

func TestLoopAttachFailure(t *testing.T) {
	mgr := blockdevtest.NewFake()
	mgr.Fail["attach"] = blockdev.ErrLoopDevice
	h := NewLoopHandle(mgr)

	dev, err := h.Attach(context.Background(), &ImageDescriptor{Path: "/tmp/a.img"})
	assert.Assert(t, dev == nil)
	assert.Assert(t, errors.Is(err, blockdev.ErrLoopDevice))
	assert.Assert(t, !h.Attached())
}
