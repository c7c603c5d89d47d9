package populator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/kolibri-offline/imagebuilder/pkg/security"
	"github.com/kolibri-offline/imagebuilder/pkg/storage"
)

const s3Scheme = "s3://"

// ExtraFile is copied from Source (URL, s3://key or local path) to
// Destination, relative to the image root.
type ExtraFile struct {
	Source      string `mapstructure:"source" json:"source"`
	Destination string `mapstructure:"destination" json:"destination"`
}

// ObjectDownloader fetches objects from the configured bucket
type ObjectDownloader interface {
	Download(ctx context.Context, key, localPath string) (*storage.DownloadResult, error)
}

// Fetcher resolves extra-file sources to local paths. Remote sources are
// downloaded once into the cache directory, keyed by the md5 of the source.
type Fetcher struct {
	cacheDir string
	client   *http.Client
	objects  ObjectDownloader
}

func NewFetcher(cacheDir string, objects ObjectDownloader) *Fetcher {
	return &Fetcher{cacheDir: cacheDir, client: http.DefaultClient, objects: objects}
}

// CachePath is where a remote source is stored once downloaded
func (f *Fetcher) CachePath(source string) string {
	sum := md5.Sum([]byte(source))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:]))
}

// Fetch returns a local path holding the content of source
func (f *Fetcher) Fetch(ctx context.Context, source string) (string, error) {
	isHTTP := strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
	isS3 := strings.HasPrefix(source, s3Scheme)
	if !isHTTP && !isS3 {
		if _, err := os.Stat(source); err != nil {
			return "", errors.Wrap(err, "extra file not found")
		}
		return source, nil
	}

	target := f.CachePath(source)
	if _, err := os.Stat(target); err == nil {
		slog.Info("extra_file_cached", "source", source, "path", target)
		return target, nil
	}
	if err := os.MkdirAll(f.cacheDir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create cache directory")
	}

	// Download beside the target and rename so a partial file never looks cached.
	tmp := target + ".part"
	var err error
	if isS3 {
		err = f.fetchObject(ctx, strings.TrimPrefix(source, s3Scheme), tmp)
	} else {
		err = f.fetchURL(ctx, source, tmp)
	}
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", errors.Wrap(err, "failed to store downloaded file")
	}

	slog.Info("extra_file_downloaded", "source", source, "path", target)
	return target, nil
}

func (f *Fetcher) fetchObject(ctx context.Context, key, localPath string) error {
	if f.objects == nil {
		return fmt.Errorf("no object storage configured for s3://%s", key)
	}
	_, err := f.objects.Download(ctx, key, localPath)
	return err
}

func (f *Fetcher) fetchURL(ctx context.Context, url, localPath string) error {
	slog.Info("extra_file_download_start", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build download request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		slog.Error("extra_file_download_failed", "url", url, "error", err)
		return errors.Wrap(err, "failed to download file")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("extra_file_download_failed", "url", url, "status", resp.StatusCode)
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return errors.Wrap(err, "failed to create download file")
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return errors.Wrap(err, "failed to write download file")
	}
	return out.Close()
}

// CopyFiles returns a finalizer copying files into the mounted image. Every
// destination is checked against traversal, maxFileSize and the capacity of
// the image's partition.
func CopyFiles(fetcher *Fetcher, files []ExtraFile, maxFileSize int64) diskimage.Finalizer {
	return func(ctx context.Context, desc *diskimage.ImageDescriptor) error {
		if len(files) == 0 {
			return nil
		}
		v := security.NewValidator(maxFileSize, desc.SizeBytes-desc.Offset)

		for _, file := range files {
			if err := v.ValidatePath(file.Destination); err != nil {
				return err
			}

			local, err := fetcher.Fetch(ctx, file.Source)
			if err != nil {
				return err
			}

			info, err := os.Stat(local)
			if err != nil {
				return errors.Wrap(err, "failed to stat extra file")
			}
			if err := v.ValidateFileSize(info.Size()); err != nil {
				return err
			}
			if err := v.Reserve(info.Size()); err != nil {
				return err
			}

			dest := filepath.Join(desc.MountPath, file.Destination)
			if err := copyFile(local, dest); err != nil {
				slog.Error("extra_file_copy_failed", "source", file.Source, "destination", dest, "error", err)
				return err
			}
			slog.Info("extra_file_copied", "source", file.Source, "destination", file.Destination, "size_bytes", info.Size())
		}
		slog.Info("extra_files_copied", "files", len(files), "total_bytes", v.Used())
		return nil
	}
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "failed to create destination directory")
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "failed to open extra file")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "failed to create destination file")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, "failed to copy extra file")
	}
	return out.Close()
}
