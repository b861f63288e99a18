//go:build !windows

package probe

// joinedDomain is always empty outside Windows.
func joinedDomain() string {
	return ""
}
