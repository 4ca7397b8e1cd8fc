// Package netutil holds the network checks an operator runs before starting a group:
// which address this host is reachable on, whether a port is free, and whether the
// coordinator answers at all.
package netutil

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var ErrNoIPv4 = errors.New("no usable IPv4 address found")

// LocalIP returns the IPv4 address the host uses for outbound traffic. No packet is
// sent; the kernel only picks a route for the UDP "connection". When there is no
// default route the first non-loopback IPv4 is returned.
func LocalIP() (netip.Addr, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			if ip, ok := netip.AddrFromSlice(ua.IP); ok && !ip.Unmap().IsUnspecified() {
				return ip.Unmap(), nil
			}
		}
	}
	return firstIPv4(nil)
}

// InterfaceIPv4 returns the first IPv4 address of the named interface.
func InterfaceIPv4(name string) (netip.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "interface %q", name)
	}
	return firstIPv4(iface)
}

func firstIPv4(only *net.Interface) (netip.Addr, error) {
	var ifaces []net.Interface
	if only != nil {
		ifaces = []net.Interface{*only}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return netip.Addr{}, errors.Wrap(err, "error getting network interfaces")
		}
		ifaces = all
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, ok := convertNetAddr(addr)
			if !ok || !ip.Is4() {
				continue
			}
			// the loopback address only counts when asked for by interface name
			if ip.IsLoopback() && only == nil {
				continue
			}
			return ip, nil
		}
	}
	if only != nil {
		return netip.Addr{}, errors.Wrapf(ErrNoIPv4, "interface %q", only.Name)
	}
	return netip.Addr{}, ErrNoIPv4
}

func convertNetAddr(addr net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	a, ok := netip.AddrFromSlice(ip)
	return a.Unmap(), ok
}

// PortAvailable reports whether host:port can be bound right now.
func PortAvailable(host string, port int) bool {
	lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = lis.Close()
	return true
}

// CheckTCP opens and closes a TCP connection to addr, returning the round trip of
// the handshake.
func CheckTCP(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, errors.Wrapf(err, "cannot connect to %s", addr)
	}
	took := time.Since(start)
	if err := conn.Close(); err != nil {
		return took, fmt.Errorf("close %s: %w", addr, err)
	}
	return took, nil
}

// IsLoopbackHost reports whether host names this machine's loopback interface.
func IsLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
