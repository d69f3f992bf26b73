package web

import (
	"net"
	"sort"
)

// NetworkSnapshot lists the LAN addresses players can point their clients
// at.
type NetworkSnapshot struct {
	LocalAddrs []string `json:"local_addrs,omitempty"`
}

func snapshotNetwork() *NetworkSnapshot {
	return &NetworkSnapshot{LocalAddrs: localInterfaceAddrs()}
}

func localInterfaceAddrs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	out := make([]string, 0, 8)
	for _, iface := range ifaces {
		if (iface.Flags & net.FlagUp) == 0 {
			continue
		}
		if (iface.Flags & net.FlagLoopback) != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, formatIfaceAddrs(iface.Name, addrs)...)
	}

	sort.Strings(out)
	return out
}

// formatIfaceAddrs keeps routable IPv4 addresses as "iface: cidr".
func formatIfaceAddrs(name string, addrs []net.Addr) []string {
	var out []string
	for _, a := range addrs {
		var ip net.IP
		var ipnet *net.IPNet
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
			ipnet = v
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil {
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		if ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
			continue
		}
		if ipnet != nil {
			out = append(out, name+": "+ipnet.String())
		} else {
			out = append(out, name+": "+ip4.String())
		}
	}
	return out
}
