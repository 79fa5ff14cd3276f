// Package network resolves the HTTP/3 listener's bind address when
// the operator asks for interface-based binding instead of an
// explicit host.
package network

import (
	"fmt"
	"net"
)

// BindIP returns the IPv4 address the listener should bind. With a
// name, only that interface is considered; otherwise the first up,
// non-loopback interface carrying a private IPv4 address wins.
func BindIP(interfaceName string) (net.IP, error) {
	var ifaces []net.Interface
	if interfaceName != "" {
		iface, err := net.InterfaceByName(interfaceName)
		if err != nil {
			return nil, fmt.Errorf("network: no such interface %q: %w", interfaceName, err)
		}
		ifaces = []net.Interface{*iface}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return nil, err
		}
		ifaces = all
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && ip4.IsPrivate() {
				return ip4, nil
			}
		}
	}
	if interfaceName != "" {
		return nil, fmt.Errorf("network: no private IPv4 address on interface %q", interfaceName)
	}
	return nil, fmt.Errorf("network: no private IPv4 address to bind")
}
