//go:build darwin

package probe

import (
	"os/exec"
	"strings"
)

// isProcessRunning shells out to pgrep with the full-path matcher, the
// simplest portable way to check a running image path without CGo bindings
// to libproc.
func isProcessRunning(path string) bool {
	out, err := exec.Command("pgrep", "-f", path).Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

// signerThumbprints is empty on macOS; Authenticode signatures only exist
// on Windows binaries.
func signerThumbprints(path string) []string {
	return nil
}
