// Package blockdevtest provides an in-memory blockdev.Manager for tests.
package blockdevtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
)

// Fake records each step by name and fails the ones listed in Fail.
// Allocate writes a real, empty file so path handling can be checked; the
// file is written even when the step fails, as a failed fallocate leaves it.
type Fake struct {
	mu       sync.Mutex
	Calls    []string
	Fail     map[string]error
	Offset   int64
	Attached map[string]string // device -> backing file
	Mounted  map[string]bool
	next     int
}

func NewFake() *Fake {
	return &Fake{
		Fail:     map[string]error{},
		Offset:   blockdev.PartitionStartSector * blockdev.DefaultSectorSize,
		Attached: map[string]string{},
		Mounted:  map[string]bool{},
	}
}

func (f *Fake) record(step string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, step)
	return f.Fail[step]
}

func (f *Fake) Allocate(ctx context.Context, path string, size int64) error {
	failErr := f.record("allocate")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return err
	}
	return failErr
}

func (f *Fake) WritePartitionTable(ctx context.Context, path string) (int64, error) {
	if err := f.record("partition"); err != nil {
		return 0, err
	}
	return f.Offset, nil
}

func (f *Fake) Attach(ctx context.Context, path string) (*blockdev.LoopDevice, error) {
	if err := f.record("attach"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := fmt.Sprintf("/dev/loop%d", f.next)
	f.next++
	f.Attached[dev] = path
	return &blockdev.LoopDevice{Path: dev, PartitionPath: blockdev.PartitionNode(dev, 1), BackingFile: path}, nil
}

func (f *Fake) Detach(ctx context.Context, dev *blockdev.LoopDevice) error {
	if err := f.record("detach"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Attached, dev.Path)
	return nil
}

func (f *Fake) Format(ctx context.Context, dev *blockdev.LoopDevice, opts blockdev.FormatOptions) error {
	return f.record("format")
}

func (f *Fake) Mount(ctx context.Context, dev *blockdev.LoopDevice, mountPath string) error {
	if err := f.record("mount"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Mounted[mountPath] = true
	return nil
}

func (f *Fake) Unmount(ctx context.Context, mountPath string) error {
	if err := f.record("unmount"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Mounted, mountPath)
	return nil
}

// FindAttached reports devices currently attached to path
func (f *Fake) FindAttached(ctx context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var devs []string
	for dev, backing := range f.Attached {
		if backing == path {
			devs = append(devs, dev)
		}
	}
	return devs, nil
}

func (f *Fake) Close() error { return nil }

// Sequence joins the recorded steps with spaces
func (f *Fake) Sequence() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.Calls, " ")
}

var _ blockdev.Manager = (*Fake)(nil)
