// Package fsm implements the image build finite state machine workflow.
// It records the job, builds and populates the disk image, verifies and
// compresses it, and uploads the artifacts using the superfly/fsm library.
package fsm

import (
	"context"
	"runtime"

	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the image build FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[BuildRequest, BuildResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[BuildRequest, BuildResponse](manager, "image-build").
		Start(StateCheckDB, m.handleCheckDB).
		To(StateBuildImage, m.handleBuildImage).
		To(StateBundle, m.handleBundle).
		To(StateUpload, m.handleUpload).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// CheckLoopSupport reports whether loop devices can be managed here.
// Returns "ok" if usable, "not_available" if not on Linux, or error description otherwise.
func CheckLoopSupport() string {
	if runtime.GOOS != "linux" {
		return "not_available"
	}

	if _, err := blockdev.NewManager(); err != nil {
		return err.Error()
	}

	return "ok"
}
