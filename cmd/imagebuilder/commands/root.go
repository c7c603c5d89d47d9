package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kolibri-offline/imagebuilder/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logLevel *slog.LevelVar

var rootCmd = &cobra.Command{
	Use:   "imagebuilder",
	Short: "Build FAT32 disk images preloaded with Kolibri content",
	Long: `Builds disk images with one FAT32 partition, imports Kolibri channels into
KOLIBRI_DATA on the image, and optionally bundles and uploads the result.`,
	SilenceUsage: true,
}

// Execute runs the root command; level is adjusted to the configured log-level.
func Execute(level *slog.LevelVar) {
	logLevel = level
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".artifacts/builds.db", "SQLite database path")
	flags.String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB directory")
	flags.String("work-dir", "/tmp/kolibri-imagebuilder", "Directory for mount points")
	flags.String("image-dir", ".artifacts/images", "Default directory for built images")
	flags.String("cache-dir", ".artifacts/cache", "Download cache for extra files")
	flags.String("content-cache-dir", ".artifacts/content-cache", "Kolibri content cache shared by builds (empty disables)")
	flags.String("kolibri-bin", "kolibri", "Kolibri executable")
	flags.String("s3-bucket", "", "S3 bucket for uploads (empty disables upload)")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.String("s3-endpoint", "", "S3-compatible endpoint URL")
	flags.String("s3-prefix", "", "Key prefix for uploaded artifacts")
	flags.Int64("max-file-size", config.DefaultMaxFileSize, "Max size of a single extra or bundled file in bytes")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "work-dir", "image-dir", "cache-dir", "content-cache-dir", "kolibri-bin",
		"s3-bucket", "s3-region", "s3-endpoint", "s3-prefix", "max-file-size", "log-level",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
