//go:build linux

package netmon

import (
	"fmt"
	"sync"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// linuxSource subscribes to RTNETLINK address and link updates via
// vishvananda/netlink's own decoding, filtered to one interface index.
// The library's subscribe API delivers updates on Go channels rather
// than a raw fd, so a self-pipe stands in for the socket fd the
// EventLoopAdapter model expects to register.
type linuxSource struct {
	log   *zap.Logger
	index int

	pipeR, pipeW int

	mu     sync.Mutex
	queue  []KernelEvent
	stopCh chan struct{}
}

// New builds a Source filtered to ifIndex, subscribing to
// RTMGRP_IPV6_IFADDR and RTMGRP_LINK equivalents through the library.
func New(log *zap.Logger, ifIndex int) (Source, error) {
	fds, err := unixPipe2()
	if err != nil {
		return nil, fmt.Errorf("netmon: open self-pipe: %w", addr.WrapSystemCall("pipe2", err))
	}

	s := &linuxSource{
		log:    log,
		index:  ifIndex,
		pipeR:  fds[0],
		pipeW:  fds[1],
		stopCh: make(chan struct{}),
	}

	addrCh := make(chan netlink.AddrUpdate, 64)
	linkCh := make(chan netlink.LinkUpdate, 64)

	addrOpts := netlink.AddrSubscribeOptions{
		ErrorCallback: func(err error) { s.log.Warn("netmon: address subscription error", zap.Error(err)) },
	}
	if err := netlink.AddrSubscribeWithOptions(addrCh, s.stopCh, addrOpts); err != nil {
		unix.Close(s.pipeR)
		unix.Close(s.pipeW)
		return nil, fmt.Errorf("netmon: subscribe addresses: %w", addr.WrapSystemCall("netlink.AddrSubscribeWithOptions", err))
	}

	linkOpts := netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) { s.log.Warn("netmon: link subscription error", zap.Error(err)) },
	}
	if err := netlink.LinkSubscribeWithOptions(linkCh, s.stopCh, linkOpts); err != nil {
		close(s.stopCh)
		unix.Close(s.pipeR)
		unix.Close(s.pipeW)
		return nil, fmt.Errorf("netmon: subscribe links: %w", addr.WrapSystemCall("netlink.LinkSubscribeWithOptions", err))
	}

	go s.pumpAddr(addrCh)
	go s.pumpLink(linkCh)

	return s, nil
}

func (s *linuxSource) pumpAddr(ch <-chan netlink.AddrUpdate) {
	for upd := range ch {
		if upd.LinkIndex != s.index {
			continue
		}
		a, ok := addr.FromNetIP(upd.LinkAddress.IP)
		if !ok {
			continue
		}
		prefixLen, _ := upd.LinkAddress.Mask.Size()

		kind := AddrAdd
		if a.IsMulticast() {
			kind = MAddrAdd
		}
		if !upd.NewAddr {
			if a.IsMulticast() {
				kind = MAddrDel
			} else {
				kind = AddrDel
			}
		}

		s.push(KernelEvent{Kind: kind, Addr: a, PrefixLen: uint8(prefixLen)})
	}
}

func (s *linuxSource) pumpLink(ch <-chan netlink.LinkUpdate) {
	for upd := range ch {
		if int(upd.Index) != s.index {
			continue
		}
		s.push(KernelEvent{Kind: LinkChange, Up: upd.Flags&unix.IFF_UP != 0})
	}
}

func (s *linuxSource) push(ev KernelEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	// Best-effort wake: a full pipe buffer means a wakeup is already
	// pending, which is sufficient.
	var b [1]byte
	unix.Write(s.pipeW, b[:])
}

func (s *linuxSource) Fd() int { return s.pipeR }

func (s *linuxSource) Next() ([]KernelEvent, error) {
	var drain [64]byte
	for {
		n, err := unix.Read(s.pipeR, drain[:])
		if n <= 0 || err != nil {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	events := s.queue
	s.queue = nil
	return events, nil
}

func (s *linuxSource) Close() error {
	close(s.stopCh)
	unix.Close(s.pipeR)
	return unix.Close(s.pipeW)
}

func unixPipe2() ([2]int, error) {
	var fds [2]int
	err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	return fds, err
}
