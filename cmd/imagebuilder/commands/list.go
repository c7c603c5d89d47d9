package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/kolibri-offline/imagebuilder/pkg/db"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/kolibri-offline/imagebuilder/pkg/sizespec"
	"github.com/spf13/cobra"
)

var listRemote bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List builds and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listRemote, "remote", false, "List uploaded artifacts in the bucket instead")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if listRemote {
		client, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		if client == nil {
			return fmt.Errorf("--remote needs s3-bucket to be configured")
		}
		keys, err := client.ListObjects(ctx)
		if err != nil {
			return errors.Wrap(err, "list failed")
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	}

	if err := ensureDirectories(cfg.SQLitePath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	builds, err := repo.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(builds) == 0 {
		fmt.Println("No builds found")
		return nil
	}

	fmt.Printf("%-34s %-10s %-10s %-14s %-50s\n", "JOB", "STATUS", "SIZE", "LOOP", "IMAGE")
	fmt.Println(strings.Repeat("-", 120))

	for _, b := range builds {
		loop := b.LoopDevice
		if loop == "" {
			loop = "-"
		}
		fmt.Printf("%-34s %-10s %-10s %-14s %-50s\n",
			b.JobID, b.Status, sizespec.Format(b.SizeBytes), loop, b.ImagePath)
		if len(b.FailedChannels) > 0 {
			fmt.Printf("  failed channels: %s\n", strings.Join(b.FailedChannels, ", "))
		}
	}

	return nil
}
