//go:build !linux

package blockdev

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/kolibri-offline/imagebuilder/pkg/executil"
)

// StubManager is a no-op block device manager for non-Linux systems
type StubManager struct{}

// Option configures a manager. Options are ignored by the stub.
type Option func(*StubManager)

func WithRunner(executil.Runner) Option { return func(*StubManager) {} }
func WithNodeWait(time.Duration) Option { return func(*StubManager) {} }

// NewManager creates a stub manager on non-Linux systems
func NewManager(opts ...Option) (Manager, error) {
	return &StubManager{}, nil
}

func unsupported() error {
	return fmt.Errorf("%w: not supported on %s", ErrNotSupported, runtime.GOOS)
}

func (m *StubManager) Allocate(ctx context.Context, path string, size int64) error {
	return unsupported()
}

func (m *StubManager) WritePartitionTable(ctx context.Context, path string) (int64, error) {
	return 0, unsupported()
}

func (m *StubManager) Attach(ctx context.Context, path string) (*LoopDevice, error) {
	return nil, unsupported()
}

func (m *StubManager) Detach(ctx context.Context, dev *LoopDevice) error {
	return unsupported()
}

func (m *StubManager) Format(ctx context.Context, dev *LoopDevice, opts FormatOptions) error {
	return unsupported()
}

func (m *StubManager) Mount(ctx context.Context, dev *LoopDevice, mountPath string) error {
	return unsupported()
}

func (m *StubManager) Unmount(ctx context.Context, mountPath string) error {
	return unsupported()
}

func (m *StubManager) FindAttached(ctx context.Context, path string) ([]string, error) {
	return nil, unsupported()
}

func (m *StubManager) Close() error {
	return nil
}

// IsMountPoint always reports false off Linux
func IsMountPoint(path string) bool {
	return false
}
