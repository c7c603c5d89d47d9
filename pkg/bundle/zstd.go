package bundle

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
)

const Ext = ".zst"

// CompressImage writes a zstd copy of the image at src to src+".zst"
func CompressImage(ctx context.Context, src string) (string, error) {
	dst := src + Ext
	slog.Info("bundle_compress_start", "image_path", src, "output", dst)

	in, err := os.Open(src)
	if err != nil {
		return "", errors.Wrap(err, "failed to open image")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", errors.Wrap(err, "failed to create compressed image")
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(dst)
		return "", errors.Wrap(err, "failed to create zstd encoder")
	}

	_, err = io.Copy(enc, readerWithContext{ctx: ctx, r: in})
	if closeErr := enc.Close(); err == nil {
		err = closeErr
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		slog.Error("bundle_compress_failed", "image_path", src, "error", err)
		return "", errors.Wrap(err, "failed to compress image")
	}

	slog.Info("bundle_compress_complete", "output", dst)
	return dst, nil
}

// Open returns a reader of the decompressed contents of the .zst file at path
func Open(path string) (io.ReadCloser, error) {
	reader, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(reader)
	if err != nil {
		reader.Close()
		return nil, err
	}
	return &decoderCloser{ReadCloser: decoder.IOReadCloser(), file: reader}, nil
}

type decoderCloser struct {
	io.ReadCloser
	file *os.File
}

func (d *decoderCloser) Close() error {
	d.ReadCloser.Close()
	return d.file.Close()
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
