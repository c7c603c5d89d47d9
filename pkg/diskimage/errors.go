package diskimage

import (
	"fmt"

	"github.com/kolibri-offline/imagebuilder/pkg/errors"
)

var (
	ErrAlreadyMounted    = errors.New("image already mounted")
	ErrNotMounted        = errors.New("image not mounted")
	ErrNoPartitionOffset = errors.New("partition offset unknown")
	ErrLoopNotAttached   = errors.New("loop device not attached")
	ErrContentImport     = errors.New("content import failed")
)

// ChannelError records one selection that failed to import. It does not
// abort the build.
type ChannelError struct {
	ChannelID string
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func (e *ChannelError) Is(target error) bool { return target == ErrContentImport }
