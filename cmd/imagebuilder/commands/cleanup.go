package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kolibri-offline/imagebuilder/internal/config"
	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
	"github.com/kolibri-offline/imagebuilder/pkg/db"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	cleanupAll      bool
	cleanupJob      string
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Release loop devices and mounts left behind by interrupted builds",
	Long: `Release resources held by builds that did not finish:
  --all              Clean every build that is not ready or failed
  --job <job-id>     Clean a specific build
  --orphaned         Remove mount directories not tracked in the database`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all unfinished builds")
	cleanupCmd.Flags().StringVar(&cleanupJob, "job", "", "Clean a specific build by job id")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned mount directories")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := ensureDirectories(cfg.SQLitePath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	mgr, err := blockdev.NewManager()
	if err != nil {
		return errors.Wrap(err, "loop device support unavailable")
	}
	defer mgr.Close()

	ctx := context.Background()

	switch {
	case cleanupAll:
		return cleanupUnfinished(ctx, repo, mgr)
	case cleanupJob != "":
		return cleanupSpecificBuild(ctx, repo, mgr, cleanupJob)
	case cleanupOrphaned:
		return cleanupOrphanedMounts(ctx, repo, mgr, cfg)
	default:
		return fmt.Errorf("must specify --all, --job, or --orphaned")
	}
}

func cleanupUnfinished(ctx context.Context, repo *db.Repository, mgr blockdev.Manager) error {
	builds, err := repo.List(ctx, db.StatusPending, db.StatusBuilding, db.StatusBundling, db.StatusUploading)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Printf("Cleaning up %d unfinished builds...\n", len(builds))

	var errs []error
	for _, b := range builds {
		if err := cleanupBuildResources(ctx, repo, mgr, b); err != nil {
			fmt.Printf("Failed to clean %s: %v\n", b.JobID, err)
			errs = append(errs, err)
		} else {
			fmt.Printf("Cleaned: %s\n", b.JobID)
		}
	}

	return errors.Join(errs...)
}

func cleanupSpecificBuild(ctx context.Context, repo *db.Repository, mgr blockdev.Manager, jobID string) error {
	b, err := repo.GetByJobID(ctx, jobID)
	if err != nil {
		return err
	}

	fmt.Printf("Cleaning up %s...\n", jobID)

	if err := cleanupBuildResources(ctx, repo, mgr, b); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Printf("Cleaned: %s\n", jobID)
	return nil
}

// cleanupBuildResources unmounts the build's mount path and detaches every
// loop device still backed by its image.
func cleanupBuildResources(ctx context.Context, repo *db.Repository, mgr blockdev.Manager, b *db.Build) error {
	// 1. Unmount
	if b.MountPath != "" {
		if blockdev.IsMountPoint(b.MountPath) {
			if err := mgr.Unmount(ctx, b.MountPath); err != nil {
				return err
			}
		}
		if err := os.Remove(b.MountPath); err != nil && !os.IsNotExist(err) {
			fmt.Printf("Mount directory not removed: %v\n", err)
		}
		b.MountPath = ""
	}

	// 2. Detach loop devices
	devs, err := mgr.FindAttached(ctx, b.ImagePath)
	if err != nil {
		return err
	}
	for _, dev := range devs {
		if err := mgr.Detach(ctx, &blockdev.LoopDevice{Path: dev, BackingFile: b.ImagePath}); err != nil {
			return err
		}
		fmt.Printf("Detached %s\n", dev)
	}
	b.LoopDevice = ""

	// 3. Record the interruption
	if b.InProgress() {
		b.Status = db.StatusFailed
		b.ErrorMessage = "interrupted; resources released by cleanup"
	}
	if err := repo.Update(ctx, b); err != nil {
		return errors.Wrap(err, "failed to update database")
	}

	return nil
}

func cleanupOrphanedMounts(ctx context.Context, repo *db.Repository, mgr blockdev.Manager, cfg *config.Config) error {
	fmt.Println("Scanning for orphaned mount directories...")

	builds, err := repo.List(ctx, db.StatusPending, db.StatusBuilding, db.StatusBundling, db.StatusUploading)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	inUse := make(map[string]bool, len(builds))
	for _, b := range builds {
		if b.MountPath != "" {
			inUse[b.MountPath] = true
		}
	}

	orphanCount := 0
	mountDir := filepath.Join(cfg.WorkDir, "mounts")
	entries, err := os.ReadDir(mountDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to read mount directory")
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "kolibri-mount-") {
			continue
		}
		orphan := filepath.Join(mountDir, entry.Name())
		if inUse[orphan] {
			continue
		}
		if blockdev.IsMountPoint(orphan) {
			if err := mgr.Unmount(ctx, orphan); err != nil {
				fmt.Printf("Failed to unmount %s: %v\n", orphan, err)
				continue
			}
		}
		if err := os.Remove(orphan); err != nil {
			fmt.Printf("Failed to remove orphaned directory %s: %v\n", entry.Name(), err)
			continue
		}
		fmt.Printf("Removed orphaned directory: %s\n", entry.Name())
		orphanCount++
	}

	fmt.Printf("Removed %d orphaned mount directories\n", orphanCount)
	return nil
}
