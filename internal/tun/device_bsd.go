//go:build darwin

package tun

import (
	"fmt"

	"github.com/postalsys/netifbridge/internal/addr"
	"golang.org/x/sys/unix"
)

const (
	utunControlName = "com.apple.net.utun_control"
	sysProtoControl = 2
	utunOptIfName   = 2
)

// afPrefixLen is the width of the address-family header utun prepends to
// every frame in both directions.
const afPrefixLen = 4

// bsdDevice implements Device over a Darwin utun kernel control socket.
// Every read and write carries a 4-octet address-family header, so this
// driver reports FramingAF4Prefix and the shuttle handles strip/prepend.
type bsdDevice struct {
	fd   int
	name string
	mtu  int
}

// New opens a Darwin utun device. cfg.Name is ignored: utun units are
// kernel-assigned and the resulting name (utunN) is read back from the
// control socket, matching the driver's actual addressing scheme.
func New(cfg Config) (Device, error) {
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, sysProtoControl)
	if err != nil {
		return nil, fmt.Errorf("tun: open utun control socket: %w", addr.WrapSystemCall("socket", err))
	}

	var ci unix.CtlInfo
	copy(ci.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, &ci); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: CTLIOCGINFO: %w", addr.WrapSystemCall("ioctl", err))
	}

	sa := &unix.SockaddrCtl{ID: ci.Id, Unit: 0} // unit 0: let the kernel assign utunN
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: connect utun control: %w", addr.WrapSystemCall("connect", err))
	}

	name, err := unix.GetsockoptString(fd, sysProtoControl, utunOptIfName)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: read utun interface name: %w", addr.WrapSystemCall("getsockopt", err))
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: set nonblocking: %w", addr.WrapSystemCall("fcntl", err))
	}

	idx, err := unix.IfNametoindex(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: if_nametoindex %s: %w", name, addr.WrapSystemCall("if_nametoindex", err))
	}

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = MinMTU
	}

	return &bsdDevice{fd: fd, name: name, mtu: mtu}, nil
}

// Read returns a frame with its 4-octet address-family header intact; the
// caller strips it per Framing().
func (d *bsdDevice) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if err != nil {
		return 0, addr.WrapSystemCall("read", err)
	}
	return n, nil
}

// Write expects p to already carry the 4-octet address-family header.
func (d *bsdDevice) Write(p []byte) (int, error) {
	n, err := unix.Write(d.fd, p)
	if err != nil {
		return 0, addr.WrapSystemCall("write", err)
	}
	return n, nil
}

func (d *bsdDevice) Close() error             { return unix.Close(d.fd) }
func (d *bsdDevice) Name() string             { return d.name }
func (d *bsdDevice) Index() int               { idx, _ := unix.IfNametoindex(d.name); return int(idx) }
func (d *bsdDevice) MTU() int                 { return d.mtu }
func (d *bsdDevice) Fd() int                  { return d.fd }
func (d *bsdDevice) Framing() Framing         { return FramingAF4Prefix }
