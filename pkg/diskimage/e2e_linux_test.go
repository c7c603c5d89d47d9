//go:build linux

package diskimage

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
	"gotest.tools/v3/assert"
)

func requirePrivileged(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root for loop devices and mounts")
	}
	for _, tool := range []string{"parted", "losetup", "mkfs.vfat", "mount", "umount"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not installed: %v", tool, err)
		}
	}
	if _, err := os.Stat("/dev/loop-control"); err != nil {
		t.Skipf("no loop device support: %v", err)
	}
}

func TestCreateDiskImageEndToEnd(t *testing.T) {
	requirePrivileged(t)

	mgr, err := blockdev.NewManager()
	assert.NilError(t, err)
	defer mgr.Close()

	noop := PopulatorFunc(func(ctx context.Context, req PopulateRequest) error { return nil })
	b := NewBuilder(mgr, noop, WithTempDir(t.TempDir()))

	dir := t.TempDir()
	res, err := b.CreateDiskImage(context.Background(), []ContentSelection{}, "50MB", dir)
	assert.NilError(t, err)
	assert.Equal(t, filepath.Dir(res.Path), dir)

	info, err := os.Stat(res.Path)
	assert.NilError(t, err)
	assert.Assert(t, info.Size() >= 50*1000*1000)

	layout, err := Inspect(res.Path)
	assert.NilError(t, err)
	assert.NilError(t, layout.Validate())
	assert.Equal(t, layout.Partitions[0].StartBytes, res.Offset)
	assert.Equal(t, res.Offset, int64(blockdev.PartitionStartSector*blockdev.DefaultSectorSize))

	attached, err := mgr.FindAttached(context.Background(), res.Path)
	assert.NilError(t, err)
	assert.Equal(t, len(attached), 0)
}

func TestCreateDiskImageEndToEndFormatFailure(t *testing.T) {
	requirePrivileged(t)

	mgr, err := blockdev.NewManager()
	assert.NilError(t, err)

	b := NewBuilder(mgr, PopulatorFunc(func(context.Context, PopulateRequest) error { return nil }),
		WithTempDir(t.TempDir()),
		WithKeepFailedImage(),
		WithFormatOptions(blockdev.FormatOptions{FSType: "no-such-filesystem"}),
	)
	dest := filepath.Join(t.TempDir(), "broken.img")
	_, err = b.CreateDiskImage(context.Background(), nil, "20MB", dest)
	assert.ErrorIs(t, err, blockdev.ErrFormat)

	attached, err := mgr.FindAttached(context.Background(), dest)
	assert.NilError(t, err)
	assert.Equal(t, len(attached), 0)
}
