package fsm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
	"github.com/kolibri-offline/imagebuilder/pkg/blockdev/blockdevtest"
	"github.com/kolibri-offline/imagebuilder/pkg/db"
	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/populator"
	"github.com/kolibri-offline/imagebuilder/pkg/storage"
	"github.com/superfly/fsm"
	"gotest.tools/v3/assert"
)

type fakeUploader struct {
	names []string
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, localPath, name string) (*storage.UploadResult, error) {
	if u.err != nil {
		return nil, u.err
	}
	if _, err := os.Stat(localPath); err != nil {
		return nil, err
	}
	u.names = append(u.names, name)
	return &storage.UploadResult{Key: "builds/" + name}, nil
}

type harness struct {
	m        *Machine
	repo     *db.Repository
	mgr      *blockdevtest.Fake
	uploader *fakeUploader
	failing  map[string]error
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	repo, err := db.NewRepository(filepath.Join(dir, "builds.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { repo.Close() })

	h := &harness{
		repo:     repo,
		mgr:      blockdevtest.NewFake(),
		uploader: &fakeUploader{},
		failing:  map[string]error{},
		dir:      dir,
	}
	h.m = NewMachine(MachineConfig{
		Repo:    repo,
		Manager: h.mgr,
		Populator: diskimage.PopulatorFunc(func(ctx context.Context, req diskimage.PopulateRequest) error {
			return h.failing[req.Selection.ChannelID]
		}),
		Fetcher:     populator.NewFetcher(filepath.Join(dir, "cache"), nil),
		Uploader:    h.uploader,
		RunMode:     diskimage.DefaultRunMode,
		WorkDir:     filepath.Join(dir, "work"),
		MaxFileSize: 1 << 20,
		MaxRetries:  3,
	})
	h.m.inspect = func(string) (*diskimage.Layout, error) {
		return &diskimage.Layout{Partitions: []diskimage.PartitionInfo{
			{Number: 1, Type: mbr.Fat32LBA, StartBytes: 1048576, Filesystem: "fat32"},
		}}, nil
	}
	return h
}

func (h *harness) request(jobID string) *BuildRequest {
	return &BuildRequest{
		JobID:      jobID,
		ImagePath:  filepath.Join(h.dir, jobID+".img"),
		SizeBytes:  10 * 1000 * 1000,
		Selections: []diskimage.ContentSelection{{ChannelID: "good"}, {ChannelID: "bad"}},
	}
}

// run drives the transitions in order, as the fsm manager would, and stops
// at the first error.
func (h *harness) run(ctx context.Context, req *BuildRequest) (*BuildResponse, error) {
	resp := &BuildResponse{}
	r := fsm.NewRequest(req, resp)
	steps := []func(context.Context, *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error){
		h.m.handleCheckDB,
		h.m.handleBuildImage,
		h.m.handleBundle,
		h.m.handleUpload,
		h.m.handleComplete,
	}
	for _, step := range steps {
		if _, err := step(ctx, r); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

func TestBuildWorkflow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.failing["bad"] = errors.New("channel not on server")

	req := h.request("job-1")
	req.Upload = true
	req.Zip = true

	resp, err := h.run(ctx, req)
	assert.NilError(t, err)
	assert.Equal(t, resp.Status, db.StatusReady)
	assert.DeepEqual(t, resp.FailedChannels, []string{"bad"})
	assert.Equal(t, resp.Offset, int64(1048576))
	assert.Equal(t, resp.CompressedPath, req.ImagePath+".zst")
	assert.DeepEqual(t, h.uploader.names, []string{"job-1/job-1.img.zst", "job-1/job-1_to_unzip_onto_usb_key.zip"})
	assert.Equal(t, h.mgr.Sequence(), "allocate partition attach format mount unmount detach")

	rec, err := h.repo.GetByJobID(ctx, "job-1")
	assert.NilError(t, err)
	assert.Equal(t, rec.Status, db.StatusReady)
	assert.DeepEqual(t, rec.FailedChannels, []string{"bad"})
	assert.Equal(t, rec.S3Key, "builds/job-1/job-1.img.zst")
	assert.Equal(t, rec.LoopDevice, "")
	assert.Equal(t, rec.MountPath, "")
	assert.Equal(t, rec.ZipPath, filepath.Join(h.dir, "job-1_to_unzip_onto_usb_key.zip"))
}

func TestBuildWorkflowSkipsReadyJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.run(ctx, h.request("job-2"))
	assert.NilError(t, err)
	calls := len(h.mgr.Calls)

	resp, err := h.run(ctx, h.request("job-2"))
	assert.NilError(t, err)
	assert.Equal(t, resp.Status, db.StatusReady)
	assert.Equal(t, len(h.mgr.Calls), calls, "ready job must not be rebuilt")
}

func TestBuildWorkflowFailOnChannelError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.failing["bad"] = errors.New("boom")

	req := h.request("job-3")
	req.FailOnChannelError = true

	resp, err := h.run(ctx, req)
	assert.ErrorContains(t, err, "bad")
	assert.Equal(t, resp.Status, db.StatusFailed)

	rec, err := h.repo.GetByJobID(ctx, "job-3")
	assert.NilError(t, err)
	assert.Equal(t, rec.Status, db.StatusFailed)
	assert.DeepEqual(t, rec.FailedChannels, []string{"bad"})
}

func TestBuildWorkflowBuildFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mgr.Fail["format"] = blockdev.ErrFormat

	_, err := h.run(ctx, h.request("job-4"))
	assert.ErrorContains(t, err, "image build failed")
	assert.Equal(t, h.mgr.Sequence(), "allocate partition attach format detach")

	rec, err := h.repo.GetByJobID(ctx, "job-4")
	assert.NilError(t, err)
	assert.Equal(t, rec.Status, db.StatusFailed)
	assert.Assert(t, rec.ErrorMessage != "")

	// A failed job can be run again.
	delete(h.mgr.Fail, "format")
	resp, err := h.run(ctx, h.request("job-4"))
	assert.NilError(t, err)
	assert.Equal(t, resp.Status, db.StatusReady)
}

func TestCheckDBRefusesLeakedLoopDevice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := h.request("job-5")

	assert.NilError(t, h.repo.Create(ctx, &db.Build{
		JobID: req.JobID, ImagePath: req.ImagePath, SizeBytes: req.SizeBytes,
		Status: db.StatusBuilding, LoopDevice: "/dev/loop7",
	}))
	h.mgr.Attached["/dev/loop7"] = req.ImagePath

	_, err := h.run(ctx, req)
	assert.ErrorContains(t, err, "cleanup --job job-5")
	assert.Equal(t, len(h.mgr.Calls), 0)
}

func TestBundleRejectsInvalidLayout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.m.inspect = func(string) (*diskimage.Layout, error) {
		return &diskimage.Layout{}, nil
	}

	_, err := h.run(ctx, h.request("job-6"))
	assert.ErrorContains(t, err, "expected 1 partition")

	rec, err := h.repo.GetByJobID(ctx, "job-6")
	assert.NilError(t, err)
	assert.Equal(t, rec.Status, db.StatusFailed)
}

func TestUploadWithoutBucket(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.m.uploader = nil

	req := h.request("job-7")
	req.Upload = true

	_, err := h.run(ctx, req)
	assert.ErrorContains(t, err, "no s3 bucket configured")
}

func TestUploadErrorIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.uploader.err = fmt.Errorf("connection reset")

	req := h.request("job-8")
	req.Upload = true

	_, err := h.run(ctx, req)
	assert.ErrorContains(t, err, "connection reset")

	rec, err := h.repo.GetByJobID(ctx, "job-8")
	assert.NilError(t, err)
	assert.Equal(t, rec.Status, db.StatusUploading)
}
