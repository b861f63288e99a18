// Package probe implements the per-platform posture probes: OS, MAC,
// domain, and per-process hash/signer/running-state collection.
// Every probe is a function taking a context (and, for the process probe,
// the file path) and a reply callback invoked at most once; the process probe
// drops its reply when its context is cancelled. The posture engine (internal/zitictl/posture) owns dispatch,
// caching, and cancellation.
package probe

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sort"
)

// Reply receives the JSON-ready body for a probe id. A probe invokes it at
// most once; the process probe skips it when its context is cancelled.
type Reply func(body any)

// OSReply is the JSON shape of an OS probe response.
type OSReply struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Build   string `json:"build,omitempty"`
}

// OS returns the current host's OS family, version, and build. Always
// synchronous; the version and build come from a per-platform source
// (/etc/os-release, sw_vers, or the Windows registry).
func OS(ctx context.Context, reply Reply) {
	reply(OSReply{
		Type:    runtime.GOOS,
		Version: osVersion(),
		Build:   osBuild(),
	})
}

// MACReply is the JSON shape of a MAC probe response.
type MACReply struct {
	MacAddresses []string `json:"macAddresses"`
}

// MAC enumerates non-loopback interfaces carrying a non-zero hardware
// address, one entry per interface, deduplicated by interface name and
// formatted "aa:bb:cc:dd:ee:ff". Synchronous.
func MAC(ctx context.Context, reply Reply) {
	ifaces, err := net.Interfaces()
	if err != nil {
		reply(MACReply{MacAddresses: []string{}})
		return
	}

	seen := make(map[string]bool)
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		zero := true
		for _, b := range iface.HardwareAddr {
			if b != 0 {
				zero = false
				break
			}
		}
		if zero {
			continue
		}
		if seen[iface.Name] {
			continue
		}
		seen[iface.Name] = true
		macs = append(macs, formatMAC(iface.HardwareAddr))
	}
	sort.Strings(macs)
	reply(MACReply{MacAddresses: macs})
}

func formatMAC(hw net.HardwareAddr) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		hw[0], hw[1], hw[2], hw[3], hw[4], hw[5])
}

// DomainReply is the JSON shape of a domain probe response.
type DomainReply struct {
	Domain string `json:"domain"`
}

// Domain returns the joined Windows domain, or "" on every other
// platform. Synchronous.
func Domain(ctx context.Context, reply Reply) {
	reply(DomainReply{Domain: joinedDomain()})
}
