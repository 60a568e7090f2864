//go:build linux

package mld

import (
	"fmt"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/postalsys/netifbridge/internal/tun"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// OwnAddressChecker reports whether an address belongs to the tunnel,
// so reports sourced from peers rather than the local stack are
// dropped.
type OwnAddressChecker interface {
	IsOwnAddress(a addr.IP6) bool
}

type linuxMonitor struct {
	log   *zap.Logger
	fd    int
	owner OwnAddressChecker
}

// New opens a raw ICMPv6 socket bound to ifName, joins ff02::16, and
// returns a Monitor that only yields events for reports sourced from
// owner's address set.
func New(log *zap.Logger, ifName string, ifIndex int, owner OwnAddressChecker) (Monitor, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_ICMPV6)
	if err != nil {
		return nil, fmt.Errorf("mld: open raw icmpv6 socket: %w", addr.WrapSystemCall("socket", err))
	}

	if err := unix.BindToDevice(fd, ifName); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mld: bind to device %s: %w", ifName, addr.WrapSystemCall("SO_BINDTODEVICE", err))
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

	return &linuxMonitor{log: log, fd: fd, owner: owner}, nil
}

func (m *linuxMonitor) Fd() int { return m.fd }

func (m *linuxMonitor) Next() ([]Event, error) {
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

func (m *linuxMonitor) Close() error {
	return unix.Close(m.fd)
}
