//go:build windows

package probe

import "golang.org/x/sys/windows/registry"

// joinedDomain reads the joined Active Directory domain name, when present,
// out of the same registry location net.exe / systeminfo report from.
func joinedDomain() string {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SYSTEM\CurrentControlSet\Services\Tcpip\Parameters`, registry.QUERY_VALUE)
	if err != nil {
		return ""
	}
	defer k.Close()

	domain, _, err := k.GetStringValue("Domain")
	if err != nil || domain == "" {
		domain, _, _ = k.GetStringValue("NV Domain")
	}
	return domain
}
