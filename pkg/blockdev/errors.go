package blockdev

import "github.com/kolibri-offline/imagebuilder/pkg/errors"

// Failure kinds of the underlying OS operations. Returned errors wrap one of
// these alongside the tool's own error, so errors.Is matches either.
var (
	ErrAllocation   = errors.New("image allocation failed")
	ErrPartition    = errors.New("partition table write failed")
	ErrLoopDevice   = errors.New("loop device operation failed")
	ErrFormat       = errors.New("filesystem format failed")
	ErrMount        = errors.New("mount failed")
	ErrUnmount      = errors.New("unmount failed")
	ErrNotSupported = errors.New("block devices not supported on this platform")
)
