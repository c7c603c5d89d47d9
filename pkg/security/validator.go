package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kolibri-offline/imagebuilder/pkg/errors"
)

var (
	ErrPathTraversal    = errors.New("security: path escapes root")
	ErrFileTooLarge     = errors.New("security: file too large")
	ErrCapacityExceeded = errors.New("security: capacity exceeded")
)

// Validator checks files written into an image or bundled from it
type Validator struct {
	maxFileSize int64
	capacity    int64

	mu   sync.Mutex
	used int64
}

// NewValidator creates a validator. A non-positive limit disables that check.
func NewValidator(maxFileSize, capacity int64) *Validator {
	slog.Info("security_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"capacity_mb", capacity/1024/1024)

	return &Validator{
		maxFileSize: maxFileSize,
		capacity:    capacity,
	}
}

// ValidatePath checks that a root-relative path stays inside the root
func (v *Validator) ValidatePath(path string) error {
	if filepath.IsAbs(path) {
		slog.Error("security_path_validation_failed", "path", path, "reason", "absolute_path")
		return fmt.Errorf("%w: absolute path not allowed: %s", ErrPathTraversal, path)
	}

	clean := filepath.Clean(path)
	if clean == "." {
		slog.Error("security_path_validation_failed", "path", path, "reason", "empty_path")
		return fmt.Errorf("%w: empty path", ErrPathTraversal)
	}

	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", path, "reason", "path_traversal")
		return fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}

	return nil
}

// ValidateSymlink checks that a symlink at linkPath (relative to the root)
// pointing at target does not resolve outside the root. Absolute targets
// are rejected because they leave the tree once copied elsewhere.
func (v *Validator) ValidateSymlink(linkPath, target string) error {
	if filepath.IsAbs(target) {
		slog.Error("security_symlink_validation_failed", "symlink", linkPath, "target", target, "reason", "absolute_target")
		return fmt.Errorf("%w: symlink %s -> %s is absolute", ErrPathTraversal, linkPath, target)
	}

	resolved := filepath.Join(filepath.Dir(linkPath), target)
	if err := v.ValidatePath(resolved); err != nil {
		slog.Error("security_symlink_validation_failed",
			"symlink", linkPath,
			"target", target,
			"resolved", resolved)
		return fmt.Errorf("%w: symlink %s -> %s resolves to %s", ErrPathTraversal, linkPath, target, resolved)
	}

	return nil
}

// ValidateFileSize checks a single file against the per-file limit
func (v *Validator) ValidateFileSize(size int64) error {
	if v.maxFileSize > 0 && size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("%w: %d bytes exceeds max %d", ErrFileTooLarge, size, v.maxFileSize)
	}
	return nil
}

// Reserve accounts size bytes against the capacity. A rejected reservation
// is not counted.
func (v *Validator) Reserve(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.capacity > 0 && v.used+size > v.capacity {
		slog.Error("security_capacity_exceeded",
			"used_mb", v.used/1024/1024,
			"capacity_mb", v.capacity/1024/1024,
			"file_size_mb", size/1024/1024)
		return fmt.Errorf("%w: %d + %d bytes exceeds %d", ErrCapacityExceeded, v.used, size, v.capacity)
	}

	v.used += size
	return nil
}

// Used returns the reserved total
func (v *Validator) Used() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.used
}
