package diskimage

import (
	"context"
	"path/filepath"
)

const (
	// ContentRootDir is the top-level directory holding all imported content
	ContentRootDir = "KOLIBRI_DATA"
	// DefaultRunMode tags populator runs started by the image builder
	DefaultRunMode = "kolibridiskimagecreator"
	// ImageExt marks a destination as an image file rather than a directory
	ImageExt = ".img"
)

// ImportMethod tells the populator how to reach a channel's source
type ImportMethod string

const (
	MethodNetwork ImportMethod = "network"
	MethodDisk    ImportMethod = "disk"
)

// ContentSelection describes one channel (or a subset of its nodes) to import.
// The builder passes it through to the Populator untouched.
type ContentSelection struct {
	ChannelID      string       `mapstructure:"channel_id" json:"channel_id"`
	IncludeNodeIDs []string     `mapstructure:"include_node_ids" json:"include_node_ids,omitempty"`
	ExcludeNodeIDs []string     `mapstructure:"exclude_node_ids" json:"exclude_node_ids,omitempty"`
	Method         ImportMethod `mapstructure:"method" json:"method,omitempty"`
	Source         string       `mapstructure:"source" json:"source,omitempty"`
}

// ImageDescriptor is the state of one image assembly run
type ImageDescriptor struct {
	Path      string
	SizeBytes int64
	MountPath string
	// Created is set when the image file did not exist before this run
	Created bool
	// Offset is the byte offset of partition 1; zero until the table is written
	Offset int64
}

// ContentHome is the populator's home directory inside the mounted image
func (d *ImageDescriptor) ContentHome() string {
	return filepath.Join(d.MountPath, ContentRootDir)
}

// PopulateRequest is everything a Populator needs for one selection.
// Configuration travels with the request, never through the process environment.
type PopulateRequest struct {
	Selection   ContentSelection
	ContentHome string
	RunMode     string
}

// Populator writes one selection's content into the mounted image
type Populator interface {
	Populate(ctx context.Context, req PopulateRequest) error
}

// PopulatorFunc adapts a function to the Populator interface
type PopulatorFunc func(ctx context.Context, req PopulateRequest) error

func (f PopulatorFunc) Populate(ctx context.Context, req PopulateRequest) error { return f(ctx, req) }

// Finalizer runs against the mounted image after every selection has been
// populated, e.g. to copy extra files into the image root. Errors are fatal.
type Finalizer func(ctx context.Context, desc *ImageDescriptor) error

// Result describes a finished image
type Result struct {
	Path           string
	SizeBytes      int64
	Offset         int64
	Channels       int
	FailedChannels []*ChannelError
}

// FailedChannelIDs lists the channels that could not be imported
func (r *Result) FailedChannelIDs() []string {
	ids := make([]string, 0, len(r.FailedChannels))
	for _, c := range r.FailedChannels {
		ids = append(ids, c.ChannelID)
	}
	return ids
}
