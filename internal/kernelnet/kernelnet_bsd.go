//go:build darwin

package kernelnet

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/postalsys/netifbridge/internal/addr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ioctl request codes from <netinet6/in6_var.h> / <net/if.h>. x/sys/unix
// does not export the IN6 alias family on darwin, so these are the
// literal values the BSD headers define; net/x/unix exports the plain
// interface ones (SIOCGIFFLAGS/SIOCSIFFLAGS) directly.
const (
	siocaifaddrIn6 = 0x8080691b
	siocdifaddrIn6 = 0x81186919
	ifnamsizBSD    = 16
	nd6InfinitLft  = 0xffffffff
)

// in6Addrlifetime mirrors struct in6_addrlifetime.
type in6Addrlifetime struct {
	Expire    int64
	Preferred int64
	Vltime    uint32
	Pltime    uint32
}

// sockaddrIn6 mirrors struct sockaddr_in6 as laid out on Darwin.
type sockaddrIn6 struct {
	Len      uint8
	Family   uint8
	Port     uint16
	Flowinfo uint32
	Addr     [16]byte
	ScopeID  uint32
}

// in6Aliasreq mirrors struct in6_aliasreq, used for SIOCAIFADDR_IN6 /
// SIOCDIFADDR_IN6.
type in6Aliasreq struct {
	Name      [ifnamsizBSD]byte
	Addr      sockaddrIn6
	Dstaddr   sockaddrIn6
	Prefixmask sockaddrIn6
	Flags     int32
	Lifetime  in6Addrlifetime
}

type bsdConfig struct {
	log *zap.Logger

	mu      sync.Mutex
	name    string
	ipFd    int
	mcastFd int
	idx     uint32
}

// New builds a Config bound to the named tunnel interface, opening the
// AF_INET6 control sockets used for address-alias ioctls and multicast
// group membership.
func New(log *zap.Logger, ifName string) (Config, error) {
	ipFd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("kernelnet: open ip6 control socket: %w", addr.WrapSystemCall("socket", err))
	}

	mcastFd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		unix.Close(ipFd)
		return nil, fmt.Errorf("kernelnet: open multicast control socket: %w", addr.WrapSystemCall("socket", err))
	}

	idx, err := unix.IfNametoindex(ifName)
	if err != nil {
		unix.Close(ipFd)
		unix.Close(mcastFd)
		return nil, fmt.Errorf("kernelnet: if_nametoindex %s: %w", ifName, addr.WrapSystemCall("if_nametoindex", err))
	}

	return &bsdConfig{log: log, name: ifName, ipFd: ipFd, mcastFd: mcastFd, idx: idx}, nil
}

func sockaddrFor(a addr.IP6, scopeID uint32) sockaddrIn6 {
	return sockaddrIn6{
		Len:     uint8(unsafe.Sizeof(sockaddrIn6{})),
		Family:  unix.AF_INET6,
		Addr:    a,
		ScopeID: scopeID,
	}
}

func (c *bsdConfig) aliasreq(a addr.IP6, prefixLen uint8) in6Aliasreq {
	var req in6Aliasreq
	copy(req.Name[:], c.name)
	req.Addr = sockaddrFor(a, 0)
	req.Prefixmask = sockaddrIn6{
		Len:    uint8(unsafe.Sizeof(sockaddrIn6{})),
		Family: unix.AF_INET6,
		Addr:   addr.PrefixLenMask(int(prefixLen)),
	}
	req.Lifetime = in6Addrlifetime{Vltime: nd6InfinitLft, Pltime: nd6InfinitLft}
	return req
}

func (c *bsdConfig) AddUnicast(a addr.IP6, prefixLen uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.aliasreq(a, prefixLen)
	if err := ioctl(c.ipFd, siocaifaddrIn6, unsafe.Pointer(&req)); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil
		}
		return fmt.Errorf("kernelnet: add unicast %s/%d: %w", a, prefixLen, addr.WrapSystemCall("ioctl(SIOCAIFADDR_IN6)", err))
	}
	return nil
}

func (c *bsdConfig) DelUnicast(a addr.IP6) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.aliasreq(a, 128)
	if err := ioctl(c.ipFd, siocdifaddrIn6, unsafe.Pointer(&req)); err != nil {
		if errors.Is(err, unix.EADDRNOTAVAIL) || errors.Is(err, unix.ENXIO) {
			return nil
		}
		return fmt.Errorf("kernelnet: del unicast %s: %w", a, addr.WrapSystemCall("ioctl(SIOCDIFADDR_IN6)", err))
	}
	return nil
}

func (c *bsdConfig) JoinMulticast(a addr.IP6) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mreq := &unix.IPv6Mreq{Multiaddr: a, Interface: c.idx}
	if err := unix.SetsockoptIPv6Mreq(c.mcastFd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return nil
		}
		if errors.Is(err, unix.EINVAL) && isLinkLocalMulticast(a) {
			c.log.Warn("joining link-local multicast group before interface is fully up",
				zap.String("addr", a.String()), zap.Error(err))
			return nil
		}
		return fmt.Errorf("kernelnet: join multicast %s: %w", a, addr.WrapSystemCall("setsockopt(IPV6_JOIN_GROUP)", err))
	}
	return nil
}

func (c *bsdConfig) LeaveMulticast(a addr.IP6) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mreq := &unix.IPv6Mreq{Multiaddr: a, Interface: c.idx}
	if err := unix.SetsockoptIPv6Mreq(c.mcastFd, unix.IPPROTO_IPV6, unix.IPV6_LEAVE_GROUP, mreq); err != nil {
		if errors.Is(err, unix.EADDRNOTAVAIL) {
			return nil
		}
		return fmt.Errorf("kernelnet: leave multicast %s: %w", a, addr.WrapSystemCall("setsockopt(IPV6_LEAVE_GROUP)", err))
	}
	return nil
}

// ifreqFlags mirrors the ifr_name/ifr_flags view of struct ifreq used by
// SIOCGIFFLAGS/SIOCSIFFLAGS on BSD-lineage kernels.
type ifreqFlags struct {
	Name  [ifnamsizBSD]byte
	Flags int16
	_     [22]byte
}

func (c *bsdConfig) getFlags() (ifreqFlags, error) {
	var req ifreqFlags
	copy(req.Name[:], c.name)
	if err := ioctl(c.ipFd, unix.SIOCGIFFLAGS, unsafe.Pointer(&req)); err != nil {
		return req, err
	}
	return req, nil
}

func (c *bsdConfig) SetLink(up bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := c.getFlags()
	if err != nil {
		return fmt.Errorf("kernelnet: SIOCGIFFLAGS: %w", addr.WrapSystemCall("ioctl", err))
	}

	current := req.Flags&unix.IFF_UP != 0
	if current == up {
		return nil
	}

	if up {
		req.Flags |= unix.IFF_UP
	} else {
		req.Flags &^= unix.IFF_UP
	}

	if err := ioctl(c.ipFd, unix.SIOCSIFFLAGS, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("kernelnet: set link up=%v: %w", up, addr.WrapSystemCall("ioctl(SIOCSIFFLAGS)", err))
	}
	return nil
}

func (c *bsdConfig) QueryLink() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := c.getFlags()
	if err != nil {
		return false, fmt.Errorf("kernelnet: query link %s: %w", c.name, addr.WrapSystemCall("ioctl(SIOCGIFFLAGS)", err))
	}
	return req.Flags&unix.IFF_UP != 0, nil
}

func (c *bsdConfig) DestroyTunnel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err1 := unix.Close(c.ipFd)
	err2 := unix.Close(c.mcastFd)
	if err1 != nil {
		return err1
	}
	return err2
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
