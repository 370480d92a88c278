package node

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// InetAddress is an IPv4 or IPv6 endpoint.
type InetAddress struct {
	addr netip.AddrPort
}

// NewInetAddress builds an address from an ip string and a port. An empty ip
// means the IPv4 wildcard.
func NewInetAddress(ip string, port uint16) (InetAddress, error) {
	if ip == "" {
		return InetAddress{addr: netip.AddrPortFrom(netip.IPv4Unspecified(), port)}, nil
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return InetAddress{}, fmt.Errorf("parse ip %q: %w", ip, err)
	}
	return InetAddress{addr: netip.AddrPortFrom(a.Unmap(), port)}, nil
}

// ResolveInetAddress parses "host:port". host may be empty or a name.
func ResolveInetAddress(hostPort string) (InetAddress, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return InetAddress{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return InetAddress{}, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	if host == "" {
		return NewInetAddress("", uint16(port))
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return NewInetAddress(host, uint16(port))
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return InetAddress{}, err
	}
	if len(ips) == 0 {
		return InetAddress{}, fmt.Errorf("no address for host %q", host)
	}
	a, _ := netip.AddrFromSlice(ips[0])
	return InetAddress{addr: netip.AddrPortFrom(a.Unmap(), uint16(port))}, nil
}

func inetAddressFromSockaddr(sa unix.Sockaddr) InetAddress {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return InetAddress{addr: netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))}
	case *unix.SockaddrInet6:
		return InetAddress{addr: netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))}
	default:
		return InetAddress{}
	}
}

func (a InetAddress) family() int {
	if a.addr.Addr().Is6() {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func (a InetAddress) sockaddr() unix.Sockaddr {
	ip := a.addr.Addr()
	if ip.Is6() {
		return &unix.SockaddrInet6{Port: int(a.addr.Port()), Addr: ip.As16()}
	}
	return &unix.SockaddrInet4{Port: int(a.addr.Port()), Addr: ip.As4()}
}

func (a InetAddress) IsValid() bool { return a.addr.IsValid() }

func (a InetAddress) ToIP() string { return a.addr.Addr().String() }

func (a InetAddress) ToIPPort() string { return a.addr.String() }

func (a InetAddress) Port() uint16 { return a.addr.Port() }

func (a InetAddress) AddrPort() netip.AddrPort { return a.addr }

func (a InetAddress) String() string { return a.ToIPPort() }
