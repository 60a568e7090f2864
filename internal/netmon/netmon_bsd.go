//go:build darwin

package netmon

import (
	"fmt"
	"net"

	"github.com/postalsys/netifbridge/internal/addr"
	"go.uber.org/zap"
	"golang.org/x/net/route"
	"golang.org/x/sys/unix"
)

// bsdSource reads PF_ROUTE messages directly, decoded with
// golang.org/x/net/route, grounded on tailscale's darwinRouteMon.
type bsdSource struct {
	log   *zap.Logger
	index int
	fd    int
	buf   [4096]byte
}

// New opens a PF_ROUTE raw socket and filters its messages to ifIndex.
func New(log *zap.Logger, ifIndex int) (Source, error) {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return nil, fmt.Errorf("netmon: open PF_ROUTE socket: %w", addr.WrapSystemCall("socket", err))
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netmon: set PF_ROUTE nonblocking: %w", addr.WrapSystemCall("fcntl", err))
	}

	return &bsdSource{log: log, index: ifIndex, fd: fd}, nil
}

func (s *bsdSource) Fd() int { return s.fd }

func (s *bsdSource) Next() ([]KernelEvent, error) {
	n, err := unix.Read(s.fd, s.buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, addr.WrapSystemCall("read", err)
	}
	if n <= 0 {
		return nil, nil
	}

	msgs, err := route.ParseRIB(route.RIBTypeRoute, s.buf[:n])
	if err != nil {
		s.log.Warn("netmon: malformed routing-socket message", zap.Error(err))
		return nil, nil
	}

	var events []KernelEvent
	for _, m := range msgs {
		if ev, ok := s.translate(m); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (s *bsdSource) translate(m route.Message) (KernelEvent, bool) {
	switch msg := m.(type) {
	case *route.InterfaceAddrMessage:
		if msg.Index != s.index {
			return KernelEvent{}, false
		}
		return s.translateAddr(msg.Header.Type, msg.Addrs)
	case *route.InterfaceMulticastAddrMessage:
		if msg.Index != s.index {
			return KernelEvent{}, false
		}
		return s.translateMulticast(msg.Header.Type, msg.Addrs)
	case *route.InterfaceMessage:
		if msg.Index != s.index {
			return KernelEvent{}, false
		}
		return KernelEvent{Kind: LinkChange, Up: msg.Flags&unix.IFF_UP != 0}, true
	}
	return KernelEvent{}, false
}

func (s *bsdSource) translateAddr(msgType int, addrs []route.Addr) (KernelEvent, bool) {
	a, ok := ip6FromRouteAddr(addrType(addrs, unix.RTAX_IFA))
	if !ok {
		return KernelEvent{}, false
	}
	prefixLen := 128
	if mask, ok := ip6FromRouteAddr(addrType(addrs, unix.RTAX_NETMASK)); ok {
		prefixLen = addr.CalculatePrefixLen(mask)
	}

	kind := AddrAdd
	if msgType == unix.RTM_DELADDR {
		kind = AddrDel
	}
	return KernelEvent{Kind: kind, Addr: a, PrefixLen: uint8(prefixLen)}, true
}

func (s *bsdSource) translateMulticast(msgType int, addrs []route.Addr) (KernelEvent, bool) {
	a, ok := ip6FromRouteAddr(addrType(addrs, unix.RTAX_IFA))
	if !ok {
		return KernelEvent{}, false
	}
	kind := MAddrAdd
	if msgType == unix.RTM_DELMADDR {
		kind = MAddrDel
	}
	return KernelEvent{Kind: kind, Addr: a}, true
}

func (s *bsdSource) Close() error {
	return unix.Close(s.fd)
}

func addrType(addrs []route.Addr, rtaxType int) route.Addr {
	if len(addrs) > rtaxType {
		return addrs[rtaxType]
	}
	return nil
}

func ip6FromRouteAddr(ra route.Addr) (addr.IP6, bool) {
	inet6, ok := ra.(*route.Inet6Addr)
	if !ok {
		return addr.IP6{}, false
	}
	return ip6WithZeroedScope(inet6.IP), true
}

// ip6WithZeroedScope zeroes the embedded scope-id octets of a
// link-local address before comparison, since the kernel and the stack
// don't necessarily agree on which nonzero value to embed there.
func ip6WithZeroedScope(raw [16]byte) addr.IP6 {
	a, _ := addr.FromNetIP(net.IP(raw[:]))
	if a.IsLinkLocalUnicast() {
		a[2] = 0
		a[3] = 0
	}
	return a
}
