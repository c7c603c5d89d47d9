package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/kolibri-offline/imagebuilder/internal/config"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/kolibri-offline/imagebuilder/pkg/storage"
)

// loadConfig loads and validates configuration and applies the log level
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	if logLevel != nil {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logLevel.Set(level)
	}
	return cfg, nil
}

// ensureDirectories creates the database directory and any extra directories
func ensureDirectories(sqlitePath string, dirs ...string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create directory")
		}
	}

	return nil
}

// openStorage returns nil when no bucket is configured
func openStorage(ctx context.Context, cfg *config.Config) (*storage.Client, error) {
	if !cfg.UploadEnabled() {
		return nil, nil
	}
	client, err := storage.NewClient(ctx, storage.Options{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
		Prefix:   cfg.S3Prefix,
	})
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}
	return client, nil
}
