// Package tun opens and configures the platform TUN device the bridge
// shuttles IPv6 datagrams through. Exactly one platform driver is
// compiled in per build (Linux, or the Darwin utun driver; there is no
// /dev/tunN driver); each is a small shim behind the Device interface, per the
// "one driver per platform" rule.
package tun

import "io"

// Framing identifies which wire convention a platform's TUN device
// uses.
type Framing int

const (
	// FramingNone means the fd yields and accepts a bare IPv6 datagram.
	FramingNone Framing = iota
	// FramingAF4Prefix means each datagram is preceded by a 4-octet
	// header whose low 16 bits carry the address family, network byte
	// order (00 00 HI LO).
	FramingAF4Prefix
)

// AFInet6 is the address-family value carried in the af-prefix header,
// network byte order low bytes: 0x000A.
const AFInet6 = 0x000A

// Device is a platform TUN handle: a byte-oriented read/write stream of
// whole IPv6 datagrams (in whatever Framing the platform reports), plus
// the stable identity the kernel assigns it.
type Device interface {
	io.ReadWriteCloser

	// Name is the kernel-assigned interface name (<= 15 octets).
	Name() string

	// Index is the kernel interface index, valid once Name is set.
	Index() int

	// MTU is the interface's maximum transmission unit.
	MTU() int

	// Fd is the underlying non-blocking, close-on-exec file descriptor,
	// for registration with an external event loop.
	Fd() int

	// Framing reports which wire convention this device's reads and
	// writes follow.
	Framing() Framing
}

// Config is the caller-supplied hint for opening a TUN device.
type Config struct {
	// Name is an optional interface name or a printf-style pattern
	// (e.g. "wpan%d"); the driver substitutes a concrete name. Empty
	// means "let the driver choose".
	Name string

	// MTU is the desired maximum transmission unit. Zero means "leave
	// the kernel default", which must be >= 1280, the IPv6 minimum link
	// MTU; the bridge's own ceiling is 1536.
	MTU int
}

const (
	// MinMTU is the IPv6 minimum link MTU.
	MinMTU = 1280
	// MaxDatagram is the largest datagram the shuttle will move in one
	// read/write.
	MaxDatagram = 1536
)
