package bundle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/security"
	"gotest.tools/v3/assert"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, name)
		assert.NilError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		assert.NilError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestZipDirectory(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"KOLIBRI_DATA/db.sqlite3":              "db",
		"KOLIBRI_DATA/content/storage/a/b.mp4": "video",
		"README.txt":                           "readme",
	})
	zipPath := filepath.Join(t.TempDir(), "out.zip")

	res, err := ZipDirectory(context.Background(), root, zipPath, security.NewValidator(0, 0))
	assert.NilError(t, err)
	assert.Equal(t, res.Bytes, int64(len("db")+len("video")+len("readme")))

	zr, err := zip.OpenReader(zipPath)
	assert.NilError(t, err)
	defer zr.Close()

	var names []string
	contents := map[string]string{}
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		assert.NilError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		assert.NilError(t, err)
		contents[f.Name] = string(data)
	}
	sort.Strings(names)

	assert.DeepEqual(t, names, []string{
		"KOLIBRI_DATA/",
		"KOLIBRI_DATA/content/",
		"KOLIBRI_DATA/content/storage/",
		"KOLIBRI_DATA/content/storage/a/",
		"KOLIBRI_DATA/content/storage/a/b.mp4",
		"KOLIBRI_DATA/db.sqlite3",
		"README.txt",
	})
	assert.Equal(t, res.Entries, len(names))
	assert.Equal(t, contents["KOLIBRI_DATA/content/storage/a/b.mp4"], "video")
}

func TestZipDirectoryRejectsEscapingSymlink(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})
	assert.NilError(t, os.Symlink("../../etc/passwd", filepath.Join(root, "evil")))
	zipPath := filepath.Join(t.TempDir(), "out.zip")

	_, err := ZipDirectory(context.Background(), root, zipPath, security.NewValidator(0, 0))
	assert.Assert(t, errors.Is(err, security.ErrPathTraversal))

	_, statErr := os.Stat(zipPath)
	assert.Assert(t, os.IsNotExist(statErr), "partial zip should be removed")
}

func TestZipDirectoryFileLimit(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"big.bin": string(make([]byte, 2048))})

	_, err := ZipDirectory(context.Background(), root, filepath.Join(t.TempDir(), "out.zip"), security.NewValidator(1024, 0))
	assert.Assert(t, errors.Is(err, security.ErrFileTooLarge))
}

func TestZipFinalizer(t *testing.T) {
	mount := t.TempDir()
	writeTree(t, mount, map[string]string{"KOLIBRI_DATA/x": "x"})
	zipPath := ZipPathFor(filepath.Join(t.TempDir(), "job.img"))

	fin := ZipFinalizer(zipPath, 0)
	assert.NilError(t, fin(context.Background(), &diskimage.ImageDescriptor{MountPath: mount}))

	_, err := os.Stat(zipPath)
	assert.NilError(t, err)
}

func TestZipPathFor(t *testing.T) {
	assert.Equal(t, ZipPathFor("/data/abc.img"), "/data/abc"+ZipSuffix)
}

func TestCompressImageRoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "disk.img")
	data := bytes.Repeat([]byte("kolibri"), 100000)
	assert.NilError(t, os.WriteFile(src, data, 0o644))

	dst, err := CompressImage(context.Background(), src)
	assert.NilError(t, err)
	assert.Equal(t, dst, src+Ext)

	info, err := os.Stat(dst)
	assert.NilError(t, err)
	assert.Assert(t, info.Size() < int64(len(data)))

	rc, err := Open(dst)
	assert.NilError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(got, data))
}

func TestCompressImageCanceled(t *testing.T) {
	src := filepath.Join(t.TempDir(), "disk.img")
	assert.NilError(t, os.WriteFile(src, []byte("data"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CompressImage(ctx, src)
	assert.Assert(t, errors.Is(err, context.Canceled))

	_, statErr := os.Stat(src + Ext)
	assert.Assert(t, os.IsNotExist(statErr))
}
