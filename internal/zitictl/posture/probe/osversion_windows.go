//go:build windows

package probe

import "golang.org/x/sys/windows/registry"

// osVersion reads DisplayVersion (falling back to ReleaseId on older
// builds) out of the registry, the common way to identify the marketing
// version string ("23H2") from user-mode code without invoking
// higher-privilege WMI queries.
func osVersion() string {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows NT\CurrentVersion`, registry.QUERY_VALUE)
	if err != nil {
		return "unknown"
	}
	defer k.Close()

	if v, _, err := k.GetStringValue("DisplayVersion"); err == nil {
		return v
	}
	if v, _, err := k.GetStringValue("ReleaseId"); err == nil {
		return v
	}
	return "unknown"
}

// osBuild reads CurrentBuildNumber out of the same registry key, reported
// separately from osVersion in the OS posture body.
func osBuild() string {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows NT\CurrentVersion`, registry.QUERY_VALUE)
	if err != nil {
		return ""
	}
	defer k.Close()

	build, _, err := k.GetStringValue("CurrentBuildNumber")
	if err != nil {
		return ""
	}
	return build
}
