package filemgr

import (
	"bufio"
	"os"
	"strings"
)

// parseProcMounts returns the mount point of every entry in
// /proc/mounts, the Linux stand-in for the getfsstat() scan
// FileManager::reloadFSInfos performs on Darwin.
func parseProcMounts() ([]string, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		mounts = append(mounts, fields[1])
	}
	return mounts, scanner.Err()
}
