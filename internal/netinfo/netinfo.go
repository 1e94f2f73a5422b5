// Package netinfo resolves the network identity the agent serves on.
package netinfo

import (
	"fmt"
	"net"
)

// Identity describes the interface an agent binds to, plus its protocol
// name. Constructed once at startup and immutable afterwards.
type Identity struct {
	LocalIP       net.IP
	BroadcastIP   net.IP
	InterfaceName string
	AgentName     string
}

// Resolver returns the local IP, directed broadcast IP and interface name
// the agent should use. It is the one injected capability: production code
// passes Detect, tests pass a fixture.
type Resolver func() (localIP, broadcastIP net.IP, ifaceName string, err error)

// Detect picks the first interface that is up, not loopback, and carries an
// IPv4 address, and derives the directed broadcast address from its mask.
func Detect() (net.IP, net.IP, string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, "", fmt.Errorf("enumerating interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			return ip, BroadcastAddr(ipNet), iface.Name, nil
		}
	}

	return nil, nil, "", fmt.Errorf("no usable IPv4 interface found")
}

// BroadcastAddr computes the directed broadcast address of an IPv4 network.
func BroadcastAddr(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil {
		return nil
	}
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	bcast := make(net.IP, len(ip))
	for i := range ip {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast
}
