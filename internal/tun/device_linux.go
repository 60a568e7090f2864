//go:build linux

package tun

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	tunDevicePath = "/dev/net/tun"
	ifnamsiz      = 16
)

// Flags for TUNSETIFF.
const (
	cIFFTun     = 0x0001
	cIFFNoPI    = 0x1000
	cARPHRDVoid = 0xfffe
)

// linuxDevice implements Device on Linux via /dev/net/tun.
type linuxDevice struct {
	file *os.File
	name string
	idx  int
	mtu  int
}

// ifReq is the struct for the TUNSETIFF ioctl.
type ifReq struct {
	Name  [ifnamsiz]byte
	Flags uint16
	_     [22]byte // padding to match struct ifreq's union
}

// New opens a Linux TUN device. cfg.Name may be empty (the "wpan%d"
// pattern is used), an exact name, or a "%d"-style pattern the kernel
// expands. Failure here is always fatal; there is no fallback driver.
func New(cfg Config) (Device, error) {
	if len(cfg.Name) >= ifnamsiz {
		return nil, fmt.Errorf("tun: interface name %q too long: %w", cfg.Name, addr.ErrInvalidArgument)
	}

	file, err := os.OpenFile(tunDevicePath, os.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open %s: %w", tunDevicePath, err)
	}

	var req ifReq
	req.Flags = cIFFTun | cIFFNoPI
	if cfg.Name != "" {
		copy(req.Name[:], cfg.Name)
	} else {
		copy(req.Name[:], "wpan%d")
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); errno != 0 {
		file.Close()
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", errno)
	}

	// ARPHRD_VOID: this is a point-to-multipoint IPv6-only tunnel, not
	// an Ethernet-shaped link; the stack owns neighbor resolution.
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), unix.TUNSETLINK, uintptr(cARPHRDVoid)); errno != 0 {
		file.Close()
		return nil, fmt.Errorf("tun: TUNSETLINK: %w", errno)
	}

	name := nullTerminated(req.Name[:])

	link, err := netlink.LinkByName(name)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("tun: link lookup for %s: %w", name, err)
	}

	mtu := cfg.MTU
	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			file.Close()
			return nil, fmt.Errorf("tun: set MTU: %w", err)
		}
	} else {
		mtu = link.Attrs().MTU
	}

	return &linuxDevice{
		file: file,
		name: name,
		idx:  link.Attrs().Index,
		mtu:  mtu,
	}, nil
}

func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (d *linuxDevice) Read(p []byte) (int, error)  { return d.file.Read(p) }
func (d *linuxDevice) Write(p []byte) (int, error) { return d.file.Write(p) }
func (d *linuxDevice) Close() error                { return d.file.Close() }
func (d *linuxDevice) Name() string                { return d.name }
func (d *linuxDevice) Index() int                  { return d.idx }
func (d *linuxDevice) MTU() int                    { return d.mtu }
func (d *linuxDevice) Fd() int                     { return int(d.file.Fd()) }
func (d *linuxDevice) Framing() Framing            { return FramingNone }
