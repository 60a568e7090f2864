//go:build linux

package kernelnet

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// linuxConfig drives the kernel's IPv6 address table and link state for
// one tunnel interface via netlink, and multicast group membership via
// a raw IPv6 control socket (netlink carries no multicast-membership
// verb).
type linuxConfig struct {
	log *zap.Logger

	mu      sync.Mutex
	link    netlink.Link
	name    string
	mcastFd int
}

// New builds a Config bound to the named tunnel interface. The link
// must already exist (tun.New has succeeded).
func New(log *zap.Logger, ifName string) (Config, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("kernelnet: link lookup %s: %w", ifName, addr.WrapSystemCall("netlink.LinkByName", err))
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("kernelnet: open multicast control socket: %w", addr.WrapSystemCall("socket", err))
	}

	return &linuxConfig{
		log:     log,
		link:    link,
		name:    ifName,
		mcastFd: fd,
	}, nil
}

func (c *linuxConfig) AddUnicast(a addr.IP6, prefixLen uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nlAddr := &netlink.Addr{
		IPNet: &net.IPNet{IP: a.NetIP(), Mask: net.CIDRMask(int(prefixLen), 128)},
		Flags: unix.IFA_F_NODAD,
		// Infinite preferred/valid lifetimes: the stack owns address
		// uniqueness and renewal, not the kernel.
		PreferedLft: 0xffffffff,
		ValidLft:    0xffffffff,
	}

	if err := netlink.AddrAdd(c.link, nlAddr); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil
		}
		return fmt.Errorf("kernelnet: add unicast %s/%d: %w", a, prefixLen, addr.WrapSystemCall("netlink.AddrAdd", err))
	}
	return nil
}

func (c *linuxConfig) DelUnicast(a addr.IP6) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nlAddr := &netlink.Addr{IPNet: &net.IPNet{IP: a.NetIP(), Mask: net.CIDRMask(128, 128)}}

	// The kernel only deletes an address whose prefix length matches the
	// request, so use the prefix length the address is plumbed with.
	if existing, err := netlink.AddrList(c.link, netlink.FAMILY_V6); err == nil {
		for _, e := range existing {
			if e.IPNet != nil && e.IP.Equal(nlAddr.IP) {
				nlAddr.Mask = e.Mask
				break
			}
		}
	}

	if err := netlink.AddrDel(c.link, nlAddr); err != nil {
		if errors.Is(err, unix.EADDRNOTAVAIL) || errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENXIO) {
			return nil
		}
		return fmt.Errorf("kernelnet: del unicast %s: %w", a, addr.WrapSystemCall("netlink.AddrDel", err))
	}
	return nil
}

func (c *linuxConfig) JoinMulticast(a addr.IP6) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mreq := &unix.IPv6Mreq{Multiaddr: a, Interface: uint32(c.link.Attrs().Index)}
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

func (c *linuxConfig) LeaveMulticast(a addr.IP6) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mreq := &unix.IPv6Mreq{Multiaddr: a, Interface: uint32(c.link.Attrs().Index)}
	if err := unix.SetsockoptIPv6Mreq(c.mcastFd, unix.IPPROTO_IPV6, unix.IPV6_LEAVE_GROUP, mreq); err != nil {
		if errors.Is(err, unix.EADDRNOTAVAIL) || errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("kernelnet: leave multicast %s: %w", a, addr.WrapSystemCall("setsockopt(IPV6_LEAVE_GROUP)", err))
	}
	return nil
}

func (c *linuxConfig) SetLink(up bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.link.Attrs().Flags&unix.IFF_UP != 0
	if current == up {
		return nil
	}

	var err error
	if up {
		err = netlink.LinkSetUp(c.link)
	} else {
		err = netlink.LinkSetDown(c.link)
	}
	if err != nil {
		return fmt.Errorf("kernelnet: set link up=%v: %w", up, addr.WrapSystemCall("netlink.LinkSetUp/Down", err))
	}

	link, refreshErr := netlink.LinkByName(c.name)
	if refreshErr == nil {
		c.link = link
	}
	return nil
}

func (c *linuxConfig) QueryLink() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	link, err := netlink.LinkByName(c.name)
	if err != nil {
		return false, fmt.Errorf("kernelnet: query link %s: %w", c.name, addr.WrapSystemCall("netlink.LinkByName", err))
	}
	c.link = link
	return link.Attrs().Flags&unix.IFF_UP != 0, nil
}

func (c *linuxConfig) DestroyTunnel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return unix.Close(c.mcastFd)
}
