package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "builds.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	b := &Build{
		JobID:          "job-1",
		ImagePath:      "/data/images/job-1.img",
		SizeBytes:      100000000,
		Status:         StatusPending,
		FailedChannels: []string{"c1", "c2"},
	}

	if err := repo.Create(ctx, b); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}
	if b.ID == 0 {
		t.Fatal("expected id to be set")
	}

	got, err := repo.GetByJobID(ctx, "job-1")
	if err != nil {
		t.Fatalf("failed to get build: %v", err)
	}

	if got.ImagePath != b.ImagePath || got.SizeBytes != b.SizeBytes {
		t.Errorf("retrieved build mismatch: got %+v, want %+v", got, b)
	}
	if len(got.FailedChannels) != 2 || got.FailedChannels[1] != "c2" {
		t.Errorf("failed channels not round-tripped: %v", got.FailedChannels)
	}
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetByJobID(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_DuplicateJob(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	if err := repo.Create(ctx, &Build{JobID: "dup", ImagePath: "/a.img", SizeBytes: 1, Status: StatusPending}); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}
	if err := repo.Create(ctx, &Build{JobID: "dup", ImagePath: "/b.img", SizeBytes: 1, Status: StatusPending}); err == nil {
		t.Error("expected unique constraint error")
	}
}

func TestRepository_UpdateAndStatus(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	b := &Build{JobID: "job-2", ImagePath: "/x.img", SizeBytes: 10, Status: StatusPending}
	if err := repo.Create(ctx, b); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}

	b.Status = StatusBuilding
	b.LoopDevice = "/dev/loop3"
	b.MountPath = "/tmp/kolibri-mount-1"
	if err := repo.Update(ctx, b); err != nil {
		t.Fatalf("failed to update build: %v", err)
	}

	if err := repo.UpdateStatus(ctx, b.ID, StatusFailed, "mkfs failed"); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	got, _ := repo.GetByJobID(ctx, "job-2")
	if got.Status != StatusFailed || got.ErrorMessage != "mkfs failed" {
		t.Errorf("status not updated: got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.LoopDevice != "/dev/loop3" {
		t.Errorf("loop device not stored: %q", got.LoopDevice)
	}
	if got.InProgress() {
		t.Error("failed build reported in progress")
	}

	if err := repo.Update(ctx, &Build{ID: 999, Status: StatusReady}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating missing build, got %v", err)
	}
}

func TestRepository_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	repo.Create(ctx, &Build{JobID: "a", ImagePath: "/a.img", SizeBytes: 1, Status: StatusReady})
	repo.Create(ctx, &Build{JobID: "b", ImagePath: "/b.img", SizeBytes: 1, Status: StatusFailed})
	repo.Create(ctx, &Build{JobID: "c", ImagePath: "/c.img", SizeBytes: 1, Status: StatusBuilding})

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 builds, got %d", len(all))
	}

	stale, err := repo.List(ctx, StatusBuilding, StatusBundling)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(stale) != 1 || stale[0].JobID != "c" {
		t.Errorf("expected only build c, got %v", stale)
	}

	if err := repo.Delete(ctx, stale[0].ID); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	all, _ = repo.List(ctx)
	if len(all) != 2 {
		t.Errorf("expected 2 builds after delete, got %d", len(all))
	}
}
