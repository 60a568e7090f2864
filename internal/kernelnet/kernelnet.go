// Package kernelnet performs the ioctls and socket options that plumb
// IPv6 addresses and multicast group membership into the host kernel's
// view of the tunnel interface, and toggles its UP flag. Every
// operation is idempotent from the caller's point of view: "already
// exists" and "not found" outcomes are mapped to success rather than
// surfaced as errors.
package kernelnet

import "github.com/postalsys/netifbridge/internal/addr"

// Config is the platform-independent contract the reconciler drives.
// One implementation is compiled in per build (Linux via netlink, or a
// BSD/Darwin ioctl-based driver), matching the single-dialect-per-build
// rule used throughout this module.
type Config interface {
	// AddUnicast plumbs addr/prefixLen onto the tunnel with infinite
	// lifetimes and duplicate-address detection disabled, since the
	// stack already owns address uniqueness. Returns nil if the address
	// was already present.
	AddUnicast(a addr.IP6, prefixLen uint8) error

	// DelUnicast removes addr from the tunnel. Returns nil if absent.
	DelUnicast(a addr.IP6) error

	// JoinMulticast joins a multicast group on the tunnel. EINVAL on a
	// link-local multicast group is tolerated: early in bring-up the
	// interface may not be fully up yet, and the kernel rejects the
	// join accordingly; this is logged and treated as success.
	JoinMulticast(a addr.IP6) error

	// LeaveMulticast leaves a multicast group. Returns nil if not
	// currently a member.
	LeaveMulticast(a addr.IP6) error

	// SetLink toggles IFF_UP. A no-op if already in the requested
	// state.
	SetLink(up bool) error

	// QueryLink reports the current IFF_UP state.
	QueryLink() (bool, error)

	// DestroyTunnel tears down the tunnel, on platforms where the
	// kernel requires explicit destruction rather than fd close.
	DestroyTunnel() error
}

func isLinkLocalMulticast(a addr.IP6) bool {
	// Link-local scope multicast (ff02::/16, or the same scope with flag
	// bits set): the scope value 2 is carried in the low nibble of
	// octet 1.
	return a.IsMulticast() && a[1]&0x0f == 0x02
}
