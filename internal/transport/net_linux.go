// File: internal/transport/net_linux.go
//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener and multicast receiver descriptors for the relay event loop.

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-relay/api"
)

func sockaddr4(addr string) (*unix.SockaddrInet4, net.IP, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	sa := &unix.SockaddrInet4{Port: ua.Port}
	if ip4 := ua.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
		return sa, ip4, nil
	}
	return sa, net.IPv4zero.To4(), nil
}

// Listen opens a non-blocking TCP listener on addr. With reusePort every
// worker binds its own listener to the same port and the kernel spreads
// connections across them.
func Listen(addr string, reusePort bool, backlog int) (int, error) {
	sa, _, err := sockaddr4(addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, mapErr("setsockopt SO_REUSEPORT", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	return fd, nil
}

// Accept takes one pending connection off a listener. The returned
// descriptor is non-blocking.
func Accept(lfd int) (int, error) {
	fd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, mapErr("accept", err)
	}
	return fd, nil
}

// LocalPort returns the bound port of fd.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port, nil
	}
	return 0, fmt.Errorf("getsockname: unexpected address family: %w", api.ErrNotSupported)
}

// OpenSource opens a non-blocking UDP receiver bound to addr. A multicast
// group address is joined on iface (any interface when empty); a unicast
// address is simply bound.
func OpenSource(addr, iface string, rcvbuf int) (int, error) {
	sa, ip, err := sockaddr4(addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	fail := func(op string, err error) (int, error) {
		unix.Close(fd)
		return -1, fmt.Errorf("%s %s: %w", op, addr, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if rcvbuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
			return fail("setsockopt SO_RCVBUF", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if ip.IsMulticast() {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], ip)
		if iface != "" {
			ifaddr, err := interfaceAddr(iface)
			if err != nil {
				return fail("join", err)
			}
			copy(mreq.Interface[:], ifaddr)
		}
		if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
			return fail("setsockopt IP_ADD_MEMBERSHIP", err)
		}
	}
	return fd, nil
}

func interfaceAddr(name string) (net.IP, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip4 := ipn.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("interface %s has no IPv4 address: %w", name, api.ErrInvalidArgument)
}

// ReadPacket reads one datagram into buf.
func ReadPacket(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, mapErr("read", err)
	}
	return n, nil
}

// Close closes a raw descriptor.
func Close(fd int) error {
	return unix.Close(fd)
}
