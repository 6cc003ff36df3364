package pairxfer

import "net"

// FallbackIPv4 is reported when no LAN IPv4 address is found.
const FallbackIPv4 = "127.0.0.1"

// ResolveLANIPv4 returns the first IPv4 address of an interface that is up
// and not a loopback interface. It returns false if there is none or the
// interfaces cannot be listed.
func ResolveLANIPv4() (string, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", false
	}
	return firstLANIPv4(ifaces, func(iface net.Interface) ([]net.Addr, error) {
		return iface.Addrs()
	})
}

func firstLANIPv4(ifaces []net.Interface, addrs func(net.Interface) ([]net.Addr, error)) (string, bool) {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		list, err := addrs(iface)
		if err != nil {
			continue
		}
		for _, addr := range list {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				return ip4.String(), true
			}
		}
	}
	return "", false
}

// lanAddress resolves the reported address, falling back to FallbackIPv4.
func lanAddress(resolve func() (string, bool)) string {
	if ip, ok := resolve(); ok && ip != "" {
		return ip
	}
	return FallbackIPv4
}
