//go:build windows

package probe

import (
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// isProcessRunning walks a CreateToolhelp32Snapshot process list and
// resolves each entry's full image path via QueryFullProcessImageName,
// comparing case-insensitively against path.
func isProcessRunning(path string) bool {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return false
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	if err := windows.Process32First(snap, &entry); err != nil {
		return false
	}
	for {
		if imagePath, ok := queryImagePath(entry.ProcessID); ok && strings.EqualFold(imagePath, path) {
			return true
		}
		if err := windows.Process32Next(snap, &entry); err != nil {
			break
		}
	}
	return false
}

func queryImagePath(pid uint32) (string, bool) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", false
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", false
	}
	return syscall.UTF16ToString(buf[:size]), true
}
