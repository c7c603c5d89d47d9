package fsm

import (
	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/populator"
)

// BuildRequest is the FSM input
type BuildRequest struct {
	JobID      string
	ImagePath  string
	SizeBytes  int64
	Label      string
	Selections []diskimage.ContentSelection
	OtherFiles []populator.ExtraFile

	Zip                bool
	Upload             bool
	FailOnChannelError bool
}

// BuildResponse is the FSM output (accumulated across transitions)
type BuildResponse struct {
	// From CheckDB
	BuildID int64

	// From BuildImage
	ImagePath      string
	SizeBytes      int64
	Offset         int64
	FailedChannels []string
	ZipPath        string

	// From Bundle
	CompressedPath string

	// From Upload
	S3Keys []string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckDB    = "check_db"
	StateBuildImage = "build_image"
	StateBundle     = "bundle"
	StateUpload     = "upload"
	StateComplete   = "complete"
	StateFailed     = "failed"
)
