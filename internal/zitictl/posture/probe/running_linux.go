//go:build linux

package probe

import (
	"os"
	"path/filepath"
	"strconv"
)

// isProcessRunning scans /proc for any pid whose /proc/<pid>/exe symlink
// resolves to path.
func isProcessRunning(path string) bool {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		resolved, err := filepath.EvalSymlinks(filepath.Join("/proc", e.Name(), "exe"))
		if err != nil {
			continue
		}
		if resolved == path {
			return true
		}
	}
	return false
}

// signerThumbprints is empty on Linux; Authenticode signatures only exist
// on Windows binaries.
func signerThumbprints(path string) []string {
	return nil
}
