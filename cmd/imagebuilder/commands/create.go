package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kolibri-offline/imagebuilder/internal/config"
	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
	"github.com/kolibri-offline/imagebuilder/pkg/db"
	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	appfsm "github.com/kolibri-offline/imagebuilder/pkg/fsm"
	"github.com/kolibri-offline/imagebuilder/pkg/manifest"
	"github.com/kolibri-offline/imagebuilder/pkg/populator"
	"github.com/kolibri-offline/imagebuilder/pkg/sizespec"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var createOpts struct {
	size               string
	dest               string
	channels           []string
	manifest           string
	source             string
	label              string
	jobID              string
	zip                bool
	upload             bool
	failOnChannelError bool
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Build a disk image and import content into it",
	Long: `Build a FAT32 disk image, import the selected channels and extra files,
then optionally zip the content tree and upload the artifacts.

Channels come from --channel flags, a --manifest file, or both.
Must run as root: the image is attached to a loop device and mounted.`,
	RunE: runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)
	f := createCmd.Flags()
	f.StringVar(&createOpts.size, "size", "100MB", "Image size, e.g. 100MB, 8GB, 1.5GiB")
	f.StringVar(&createOpts.dest, "dest", "", "Image file (*.img) or directory (default image-dir)")
	f.StringSliceVar(&createOpts.channels, "channel", nil, "Channel id to import (repeatable)")
	f.StringVar(&createOpts.manifest, "manifest", "", "Build manifest (JSON or YAML)")
	f.StringVar(&createOpts.source, "source", "", "Content source URL or directory (default default-source)")
	f.StringVar(&createOpts.label, "label", blockdev.DefaultLabel, "FAT volume label")
	f.StringVar(&createOpts.jobID, "job", "", "Job id (default from manifest, else random)")
	f.BoolVar(&createOpts.zip, "zip", false, "Also write a zip of the image content")
	f.BoolVar(&createOpts.upload, "upload", false, "Upload artifacts to the configured bucket")
	f.BoolVar(&createOpts.failOnChannelError, "fail-on-channel-error", false, "Fail the build if any channel fails to import")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := buildRequest(cmd, cfg)
	if err != nil {
		return err
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir, cfg.CacheDir, cfg.ContentCacheDir, filepath.Dir(req.ImagePath)); err != nil {
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

	s3Client, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	var objects populator.ObjectDownloader
	var uploader appfsm.Uploader
	if s3Client != nil {
		objects = s3Client
		uploader = s3Client
	}

	source := createOpts.source
	if source == "" {
		source = cfg.DefaultSource
	}
	importer := populator.NewImporter(
		populator.WithKolibriBin(cfg.KolibriBin),
		populator.WithDefaultSource(source),
		populator.WithContentCache(cfg.ContentCacheDir),
	)

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(appfsm.MachineConfig{
		Repo:        repo,
		Manager:     mgr,
		Populator:   importer,
		Fetcher:     populator.NewFetcher(cfg.CacheDir, objects),
		Uploader:    uploader,
		RunMode:     cfg.RunMode,
		WorkDir:     cfg.WorkDir,
		MaxFileSize: cfg.MaxFileSize,
		MaxRetries:  cfg.FSMMaxRetries,
	})
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	version, err := start(ctx, req.JobID, fsm.NewRequest(req, &appfsm.BuildResponse{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm_started", "job_id", req.JobID, "version", version)

	waitErr := manager.Wait(ctx, version)

	rec, err := repo.GetByJobID(context.WithoutCancel(ctx), req.JobID)
	if err != nil {
		return errors.Join(waitErr, err)
	}
	printBuild(rec)

	if waitErr != nil {
		return errors.Wrap(waitErr, "build failed")
	}
	return nil
}

// buildRequest merges the manifest, if any, with command line flags
func buildRequest(cmd *cobra.Command, cfg *config.Config) (*appfsm.BuildRequest, error) {
	req := &appfsm.BuildRequest{
		JobID:              createOpts.jobID,
		Label:              createOpts.label,
		Zip:                createOpts.zip,
		Upload:             createOpts.upload,
		FailOnChannelError: createOpts.failOnChannelError,
	}
	size := createOpts.size

	if createOpts.manifest != "" {
		m, err := manifest.Load(createOpts.manifest)
		if err != nil {
			return nil, err
		}
		if req.JobID == "" {
			req.JobID = m.JobID
		}
		if m.Size != "" && !cmd.Flags().Changed("size") {
			size = m.Size
		}
		if m.Label != "" && !cmd.Flags().Changed("label") {
			req.Label = m.Label
		}
		req.Selections = m.Selections()
		req.OtherFiles = m.OtherFiles
	}

	for _, id := range createOpts.channels {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		req.Selections = append(req.Selections, diskimage.ContentSelection{ChannelID: id})
	}

	if req.JobID == "" {
		req.JobID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	sizeBytes, err := sizespec.Parse(size)
	if err != nil {
		return nil, err
	}
	req.SizeBytes = sizeBytes

	dest := createOpts.dest
	if dest == "" {
		dest = cfg.ImageDir
	}
	req.ImagePath, err = diskimage.ResolveNamedImagePath(dest, req.JobID)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(req.ImagePath); err == nil {
		req.ImagePath = abs
	}

	if req.Upload && !cfg.UploadEnabled() {
		return nil, fmt.Errorf("--upload needs s3-bucket to be configured")
	}

	slog.Info("create_request",
		"job_id", req.JobID,
		"image_path", req.ImagePath,
		"size", sizespec.Format(req.SizeBytes),
		"channels", len(req.Selections),
		"other_files", len(req.OtherFiles),
	)
	return req, nil
}

func printBuild(b *db.Build) {
	fmt.Printf("Job:      %s\n", b.JobID)
	fmt.Printf("Status:   %s\n", b.Status)
	fmt.Printf("Image:    %s (%s)\n", b.ImagePath, sizespec.Format(b.SizeBytes))
	if b.ZipPath != "" {
		fmt.Printf("Zip:      %s\n", b.ZipPath)
	}
	if b.S3Key != "" {
		fmt.Printf("Uploaded: %s\n", b.S3Key)
	}
	if len(b.FailedChannels) > 0 {
		fmt.Printf("Failed channels: %s\n", strings.Join(b.FailedChannels, ", "))
	}
	if b.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", b.ErrorMessage)
	}
}
