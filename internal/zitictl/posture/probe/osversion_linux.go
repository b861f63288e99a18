//go:build linux

package probe

import (
	"bufio"
	"os"
	"strings"
)

// osVersion reads the VERSION_ID field out of /etc/os-release, the
// conventional location on every systemd-based distribution.
func osVersion() string {
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VERSION_ID=") {
			continue
		}
		return strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
	}
	return "unknown"
}

// osBuild has no stable analogue on Linux distributions; left empty.
func osBuild() string {
	return ""
}
