//go:build darwin

package mld

import (
	"fmt"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/postalsys/netifbridge/internal/tun"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ipv6BoundIf is IPV6_BOUND_IF from <netinet6/in6.h>: Darwin has no
// SO_BINDTODEVICE, so a raw socket is pinned to one interface with this
// IPv6-level sockopt instead.
const ipv6BoundIf = 125

// OwnAddressChecker reports whether an address belongs to the tunnel.
type OwnAddressChecker interface {
	IsOwnAddress(a addr.IP6) bool
}

type bsdMonitor struct {
	log   *zap.Logger
	fd    int
	owner OwnAddressChecker
}

// New opens a raw ICMPv6 socket bound to ifIndex and joins ff02::16.
func New(log *zap.Logger, ifName string, ifIndex int, owner OwnAddressChecker) (Monitor, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_ICMPV6)
	if err != nil {
		return nil, fmt.Errorf("mld: open raw icmpv6 socket: %w", addr.WrapSystemCall("socket", err))
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, ipv6BoundIf, ifIndex); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mld: bind to interface index %d: %w", ifIndex, addr.WrapSystemCall("setsockopt(IPV6_BOUND_IF)", err))
	}

	mreq := &unix.IPv6Mreq{Multiaddr: AllMLDv2Routers, Interface: uint32(ifIndex)}
	if err := unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mld: join ff02::16: %w", addr.WrapSystemCall("setsockopt(IPV6_JOIN_GROUP)", err))
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mld: set nonblocking: %w", addr.WrapSystemCall("fcntl", err))
	}

	return &bsdMonitor{log: log, fd: fd, owner: owner}, nil
}

func (m *bsdMonitor) Fd() int { return m.fd }

func (m *bsdMonitor) Next() ([]Event, error) {
	buf := make([]byte, tun.MaxDatagram)
	n, from, err := unix.Recvfrom(m.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, addr.WrapSystemCall("recvfrom", err)
	}

	src6, ok := from.(*unix.SockaddrInet6)
	if !ok {
		return nil, nil
	}
	src, ok := addr.FromNetIP(append([]byte(nil), src6.Addr[:]...))
	if !ok || !m.owner.IsOwnAddress(src) {
		return nil, nil
	}

	events, ok := ParseReport(buf[:n])
	if !ok {
		m.log.Warn("mld: dropping malformed report", zap.Int("len", n))
		return nil, nil
	}
	return events, nil
}

func (m *bsdMonitor) Close() error {
	return unix.Close(m.fd)
}
