package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
	"github.com/kolibri-offline/imagebuilder/pkg/bundle"
	"github.com/kolibri-offline/imagebuilder/pkg/db"
	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/kolibri-offline/imagebuilder/pkg/populator"
	"github.com/kolibri-offline/imagebuilder/pkg/storage"
	"github.com/superfly/fsm"
)

// Uploader stores build artifacts
type Uploader interface {
	Upload(ctx context.Context, localPath, name string) (*storage.UploadResult, error)
}

// MachineConfig holds the dependencies for FSM transitions
type MachineConfig struct {
	Repo      *db.Repository
	Manager   blockdev.Manager
	Populator diskimage.Populator
	Fetcher   *populator.Fetcher
	// Uploader may be nil when no bucket is configured
	Uploader Uploader

	RunMode     string
	WorkDir     string
	MaxFileSize int64
	MaxRetries  int
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo        *db.Repository
	mgr         blockdev.Manager
	populator   diskimage.Populator
	fetcher     *populator.Fetcher
	uploader    Uploader
	inspect     func(string) (*diskimage.Layout, error)
	runMode     string
	workDir     string
	maxFileSize int64
	maxRetries  int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(cfg MachineConfig) *Machine {
	return &Machine{
		repo:        cfg.Repo,
		mgr:         cfg.Manager,
		populator:   cfg.Populator,
		fetcher:     cfg.Fetcher,
		uploader:    cfg.Uploader,
		inspect:     diskimage.Inspect,
		runMode:     cfg.RunMode,
		workDir:     cfg.WorkDir,
		maxFileSize: cfg.MaxFileSize,
		maxRetries:  cfg.MaxRetries,
	}
}

func (m *Machine) checkRetries(ctx context.Context, jobID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "job_id", jobID, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// fail records err on the build and aborts the workflow
func (m *Machine) fail(ctx context.Context, resp *BuildResponse, err error) error {
	resp.Status = db.StatusFailed
	resp.ErrorMessage = err.Error()
	if updateErr := m.repo.UpdateStatus(ctx, resp.BuildID, db.StatusFailed, err.Error()); updateErr != nil {
		slog.Error("status_update_failed", "build_id", resp.BuildID, "status", db.StatusFailed, "error", updateErr)
	}
	return fsm.Abort(err)
}

// handleCheckDB records the job, or skips it when an earlier run already finished
func (m *Machine) handleCheckDB(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_check_db", "job_id", req.Msg.JobID)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &BuildResponse{}
	}
	resp.ImagePath = req.Msg.ImagePath
	resp.SizeBytes = req.Msg.SizeBytes

	b, err := m.repo.GetByJobID(ctx, req.Msg.JobID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		b = &db.Build{
			JobID:     req.Msg.JobID,
			ImagePath: req.Msg.ImagePath,
			SizeBytes: req.Msg.SizeBytes,
			Status:    db.StatusPending,
		}
		if err := m.repo.Create(ctx, b); err != nil {
			slog.Error("create_build_failed", "job_id", req.Msg.JobID, "error", err)
			return nil, errors.Wrap(err, "failed to create build record")
		}
		slog.Info("build_created", "job_id", req.Msg.JobID, "build_id", b.ID)

	case err != nil:
		slog.Error("database_check_failed", "job_id", req.Msg.JobID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "database error"))

	case b.Status == db.StatusReady:
		slog.Info("build_already_ready", "job_id", req.Msg.JobID, "build_id", b.ID, "image_path", b.ImagePath)
		resp.BuildID = b.ID
		resp.ImagePath = b.ImagePath
		resp.SizeBytes = b.SizeBytes
		resp.FailedChannels = b.FailedChannels
		resp.ZipPath = b.ZipPath
		resp.Status = db.StatusReady
		return fsm.NewResponse(resp), nil

	default:
		// An earlier run failed or was interrupted; it may still hold the image.
		if devs, err := m.mgr.FindAttached(ctx, b.ImagePath); err != nil {
			slog.Warn("attached_check_failed", "job_id", req.Msg.JobID, "image_path", b.ImagePath, "error", err)
		} else if len(devs) > 0 {
			slog.Error("build_resources_leaked", "job_id", req.Msg.JobID, "devices", devs)
			return nil, fsm.Abort(fmt.Errorf("job %s still has loop devices %s attached; run cleanup --job %s",
				req.Msg.JobID, strings.Join(devs, ","), req.Msg.JobID))
		}

		slog.Info("build_restart", "job_id", req.Msg.JobID, "build_id", b.ID, "previous_status", b.Status)
		b.ImagePath = req.Msg.ImagePath
		b.SizeBytes = req.Msg.SizeBytes
		b.Status = db.StatusPending
		b.LoopDevice = ""
		b.MountPath = ""
		b.FailedChannels = nil
		b.ZipPath = ""
		b.S3Key = ""
		b.ErrorMessage = ""
		if err := m.repo.Update(ctx, b); err != nil {
			return nil, errors.Wrap(err, "failed to reset build record")
		}
	}

	resp.BuildID = b.ID
	resp.Status = db.StatusPending
	return fsm.NewResponse(resp), nil
}

// handleBuildImage runs the disk image pipeline
func (m *Machine) handleBuildImage(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_build_image", "job_id", req.Msg.JobID)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusReady {
		return fsm.NewResponse(resp), nil
	}

	rec, err := m.repo.GetByJobID(ctx, req.Msg.JobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load build record")
	}
	rec.Status = db.StatusBuilding
	if err := m.repo.Update(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}

	mountDir := filepath.Join(m.workDir, "mounts")
	if err := os.MkdirAll(mountDir, 0755); err != nil {
		slog.Error("mount_dir_creation_failed", "path", mountDir, "error", err)
		return nil, errors.Wrap(err, "failed to create mount dir")
	}

	var finalizers []diskimage.Finalizer
	if len(req.Msg.OtherFiles) > 0 {
		finalizers = append(finalizers, populator.CopyFiles(m.fetcher, req.Msg.OtherFiles, m.maxFileSize))
	}
	zipPath := ""
	if req.Msg.Zip {
		zipPath = bundle.ZipPathFor(req.Msg.ImagePath)
		finalizers = append(finalizers, bundle.ZipFinalizer(zipPath, m.maxFileSize))
	}

	format := blockdev.DefaultFormatOptions()
	if req.Msg.Label != "" {
		format.Label = req.Msg.Label
	}

	builder := diskimage.NewBuilder(m.mgr, m.populator,
		diskimage.WithRunMode(m.runMode),
		diskimage.WithTempDir(mountDir),
		diskimage.WithFormatOptions(format),
		diskimage.WithFinalizers(finalizers...),
		diskimage.WithObserver(m.trackResources(ctx, rec)),
	)

	result, err := builder.Build(ctx, req.Msg.Selections, req.Msg.ImagePath, req.Msg.SizeBytes)
	if err != nil {
		slog.Error("build_failed", "job_id", req.Msg.JobID, "error", err)
		return nil, m.fail(ctx, resp, errors.Wrap(err, "image build failed"))
	}

	resp.Offset = result.Offset
	resp.FailedChannels = result.FailedChannelIDs()
	resp.ZipPath = zipPath

	rec.FailedChannels = resp.FailedChannels
	rec.ZipPath = zipPath
	rec.LoopDevice = ""
	rec.MountPath = ""
	if err := m.repo.Update(ctx, rec); err != nil {
		slog.Error("build_update_failed", "build_id", rec.ID, "error", err)
		return nil, errors.Wrap(err, "failed to update build")
	}

	if len(resp.FailedChannels) > 0 {
		slog.Warn("channels_failed", "job_id", req.Msg.JobID, "channels", resp.FailedChannels)
		if req.Msg.FailOnChannelError {
			return nil, m.fail(ctx, resp, fmt.Errorf("%w: %s", diskimage.ErrContentImport, strings.Join(resp.FailedChannels, ",")))
		}
	}

	return fsm.NewResponse(resp), nil
}

// trackResources keeps the loop device and mount path on the build record
// current so cleanup can find them after a crash.
func (m *Machine) trackResources(ctx context.Context, rec *db.Build) func(diskimage.Event) {
	return func(e diskimage.Event) {
		switch e.Step {
		case diskimage.StepAttach:
			rec.LoopDevice = e.Device
		case diskimage.StepMount:
			rec.MountPath = e.MountPath
		case diskimage.StepUnmount:
			rec.MountPath = ""
		case diskimage.StepDetach:
			rec.LoopDevice = ""
		default:
			return
		}
		if err := m.repo.Update(ctx, rec); err != nil {
			slog.Warn("build_resource_update_failed", "build_id", rec.ID, "step", e.Step, "error", err)
		}
	}
}

// handleBundle verifies the image layout and compresses it for upload
func (m *Machine) handleBundle(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_bundle", "job_id", req.Msg.JobID)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusReady {
		return fsm.NewResponse(resp), nil
	}

	if err := m.repo.UpdateStatus(ctx, resp.BuildID, db.StatusBundling, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}

	layout, err := m.inspect(resp.ImagePath)
	if err != nil {
		slog.Error("image_inspect_failed", "image_path", resp.ImagePath, "error", err)
		return nil, m.fail(ctx, resp, errors.Wrap(err, "image inspection failed"))
	}
	if err := layout.Validate(); err != nil {
		slog.Error("image_layout_invalid", "image_path", resp.ImagePath, "error", err)
		return nil, m.fail(ctx, resp, err)
	}
	slog.Info("image_verified", "image_path", resp.ImagePath, "partitions", len(layout.Partitions))

	if req.Msg.Upload {
		compressed, err := bundle.CompressImage(ctx, resp.ImagePath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to compress image")
		}
		resp.CompressedPath = compressed
	}

	return fsm.NewResponse(resp), nil
}

// handleUpload stores the compressed image and zip under the job's prefix
func (m *Machine) handleUpload(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_upload", "job_id", req.Msg.JobID)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusReady || !req.Msg.Upload {
		return fsm.NewResponse(resp), nil
	}
	if m.uploader == nil {
		return nil, m.fail(ctx, resp, fmt.Errorf("upload requested but no s3 bucket configured"))
	}

	if err := m.repo.UpdateStatus(ctx, resp.BuildID, db.StatusUploading, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}

	artifacts := []string{resp.CompressedPath}
	if resp.CompressedPath == "" {
		artifacts[0] = resp.ImagePath
	}
	if resp.ZipPath != "" {
		artifacts = append(artifacts, resp.ZipPath)
	}

	resp.S3Keys = nil
	for _, p := range artifacts {
		res, err := m.uploader.Upload(ctx, p, path.Join(req.Msg.JobID, filepath.Base(p)))
		if err != nil {
			slog.Error("upload_failed", "job_id", req.Msg.JobID, "path", p, "error", err)
			return nil, errors.Wrap(err, "failed to upload artifact")
		}
		resp.S3Keys = append(resp.S3Keys, res.Key)
	}

	rec, err := m.repo.GetByJobID(ctx, req.Msg.JobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load build record")
	}
	rec.S3Key = resp.S3Keys[0]
	if err := m.repo.Update(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "failed to update build")
	}

	return fsm.NewResponse(resp), nil
}

// handleComplete marks the build ready
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	slog.Info("fsm_state_complete", "job_id", req.Msg.JobID)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.repo.UpdateStatus(ctx, resp.BuildID, db.StatusReady, ""); err != nil {
		slog.Error("status_update_failed", "build_id", resp.BuildID, "error", err)
		return nil, errors.Wrap(err, "failed to update status")
	}
	resp.Status = db.StatusReady

	slog.Info("fsm_complete",
		"job_id", req.Msg.JobID,
		"image_path", resp.ImagePath,
		"failed_channels", len(resp.FailedChannels),
		"s3_keys", resp.S3Keys,
	)

	return fsm.NewResponse(resp), nil
}
