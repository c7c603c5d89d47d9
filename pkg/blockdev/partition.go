package blockdev

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// ParsePartitionOffset extracts the start offset of partition 1 from the
// output of `parted unit B print`:
//
//	Number  Start     End         Size        Type     File system  Flags
//	 1      1048576B  104857599B  103809024B  primary               lba
func ParsePartitionOffset(output string) (int64, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "1" {
			continue
		}
		raw, ok := strings.CutSuffix(fields[1], "B")
		if !ok {
			return 0, fmt.Errorf("%w: offset %q for partition 1 has no byte unit", ErrPartition, fields[1])
		}
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || offset < 0 {
			return 0, fmt.Errorf("%w: unparsable offset %q for partition 1", ErrPartition, fields[1])
		}
		return offset, nil
	}
	return 0, fmt.Errorf("%w: partition 1 not found in parted output", ErrPartition)
}

// ParseLosetupAssociations returns the device paths listed by `losetup -j`:
//
//	/dev/loop0: [2049]:1835263 (/var/lib/images/a.img)
func ParseLosetupAssociations(output string) []string {
	var devices []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		dev, _, ok := strings.Cut(line, ":")
		if !ok || !strings.HasPrefix(dev, "/dev/") {
			continue
		}
		devices = append(devices, dev)
	}
	return devices
}

// MountPointListed reports whether mounts (in /proc/self/mounts format)
// lists path as a mount point.
func MountPointListed(mounts, path string) bool {
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == path {
			return true
		}
	}
	return false
}
