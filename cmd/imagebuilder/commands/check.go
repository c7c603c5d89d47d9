package commands

import (
	"fmt"
	"os/exec"

	"github.com/kolibri-offline/imagebuilder/pkg/blockdev"
	appfsm "github.com/kolibri-offline/imagebuilder/pkg/fsm"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether this host can build images",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ok := true
	loop := appfsm.CheckLoopSupport()
	fmt.Printf("%-12s %s\n", "loop", loop)
	if loop != "ok" {
		ok = false
	}

	for _, tool := range requiredTools(cfg.KolibriBin) {
		p, err := exec.LookPath(tool)
		if err != nil {
			p = "missing"
			ok = false
		}
		fmt.Printf("%-12s %s\n", tool, p)
	}

	if !ok {
		return fmt.Errorf("host is not ready to build images")
	}
	return nil
}

// requiredTools lists the executables a build shells out to. `mkfs -t vfat`
// needs the mkfs.vfat helper as well as mkfs itself.
func requiredTools(kolibriBin string) []string {
	return []string{"parted", "losetup", "mkfs", "mkfs." + blockdev.DefaultFSType, "mount", "umount", kolibriBin}
}
