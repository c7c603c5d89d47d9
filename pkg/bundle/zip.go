// Package bundle packages a built image for distribution: a zip of the
// image's file tree for copying onto an existing stick, and a zstd
// compressed copy of the raw image.
package bundle

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/kolibri-offline/imagebuilder/pkg/security"
)

// ZipSuffix names the archive built next to an image
const ZipSuffix = "_to_unzip_onto_usb_key.zip"

// Result describes a written archive
type Result struct {
	Path    string
	Entries int
	// Bytes is the uncompressed size of all regular files
	Bytes int64
}

// ZipDirectory writes every file under root to a zip at zipPath, with
// paths relative to root. Symlinks are stored as links and must stay
// inside root.
func ZipDirectory(ctx context.Context, root, zipPath string, v *security.Validator) (*Result, error) {
	slog.Info("bundle_zip_start", "root", root, "zip_path", zipPath)

	out, err := os.Create(zipPath)
	if err != nil {
		slog.Error("bundle_zip_create_failed", "zip_path", zipPath, "error", err)
		return nil, errors.Wrap(err, "failed to create zip")
	}

	res := &Result{Path: zipPath}
	zw := zip.NewWriter(out)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if err := v.ValidatePath(rel); err != nil {
			return err
		}
		return addEntry(zw, v, path, filepath.ToSlash(rel), d, res)
	})

	closeErr := zw.Close()
	if err := out.Close(); closeErr == nil {
		closeErr = err
	}
	if walkErr != nil || closeErr != nil {
		os.Remove(zipPath)
		err := errors.Join(walkErr, closeErr)
		slog.Error("bundle_zip_failed", "zip_path", zipPath, "error", err)
		return nil, errors.Wrap(err, "failed to write zip")
	}

	slog.Info("bundle_zip_complete", "zip_path", zipPath, "entries", res.Entries, "size_mb", res.Bytes/1024/1024)
	return res, nil
}

func addEntry(zw *zip.Writer, v *security.Validator, path, name string, d fs.DirEntry, res *Result) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name

	switch {
	case d.IsDir():
		hdr.Name += "/"
		hdr.Method = zip.Store
		_, err := zw.CreateHeader(hdr)
		res.Entries++
		return err

	case d.Type()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		if err := v.ValidateSymlink(name, target); err != nil {
			return err
		}
		hdr.Method = zip.Store
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, target)
		res.Entries++
		return err

	case d.Type().IsRegular():
		if err := v.ValidateFileSize(info.Size()); err != nil {
			return err
		}
		if err := v.Reserve(info.Size()); err != nil {
			return err
		}
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(w, f)
		res.Entries++
		res.Bytes += n
		return err

	default:
		slog.Warn("bundle_skip_special_file", "path", path, "mode", d.Type().String())
		return nil
	}
}

// ZipFinalizer zips the mounted image tree to zipPath before the image is
// unmounted. The archive itself lives outside the image.
func ZipFinalizer(zipPath string, maxFileSize int64) diskimage.Finalizer {
	return func(ctx context.Context, desc *diskimage.ImageDescriptor) error {
		_, err := ZipDirectory(ctx, desc.MountPath, zipPath, security.NewValidator(maxFileSize, 0))
		return err
	}
}

// ZipPathFor returns the archive path used for an image
func ZipPathFor(imagePath string) string {
	return trimExt(imagePath) + ZipSuffix
}

func trimExt(p string) string {
	return p[:len(p)-len(filepath.Ext(p))]
}
