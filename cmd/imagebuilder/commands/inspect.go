package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kolibri-offline/imagebuilder/pkg/bundle"
	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/kolibri-offline/imagebuilder/pkg/sizespec"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Show the partition table and filesystems of an image (.img or .img.zst)",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	path := args[0]
	if strings.HasSuffix(path, bundle.Ext) {
		tmp, err := decompressToTemp(path)
		if err != nil {
			return err
		}
		defer os.Remove(tmp)
		path = tmp
	}

	layout, err := diskimage.Inspect(path)
	if err != nil {
		return errors.Wrap(err, "inspect failed")
	}
	layout.Path = args[0]

	fmt.Printf("Image: %s (%s)\n", layout.Path, sizespec.Format(layout.SizeBytes))
	fmt.Printf("Table: %s\n", layout.TableType)
	fmt.Printf("%-4s %-6s %-14s %-10s %-10s\n", "#", "TYPE", "START", "SIZE", "FS")
	for _, p := range layout.Partitions {
		fmt.Printf("%-4d 0x%02x   %-14d %-10s %-10s\n",
			p.Number, byte(p.Type), p.StartBytes, sizespec.Format(p.SizeBytes), p.Filesystem)
	}

	if err := layout.Validate(); err != nil {
		fmt.Printf("Layout: %v\n", err)
		return err
	}
	fmt.Println("Layout: ok")
	return nil
}

// decompressToTemp expands a compressed image into a temporary file
func decompressToTemp(path string) (string, error) {
	rc, err := bundle.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open compressed image")
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "kolibri-inspect-*"+diskimage.ImageExt)
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp image")
	}
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "failed to decompress image")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "failed to write temp image")
	}
	return tmp.Name(), nil
}
