// Package shuttle copies datagrams between the TUN device and the
// stack, one at a time, adding or stripping the platform's af-prefix
// framing where required. No queueing, no fragmentation: under
// pressure the shuttle drops rather than buffers.
package shuttle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/postalsys/netifbridge/internal/stackapi"
	"github.com/postalsys/netifbridge/internal/tun"
	"go.uber.org/zap"
)

// afPrefixLen is the width of the address-family header on platforms
// using FramingAF4Prefix.
const afPrefixLen = 4

// Shuttle moves datagrams in both directions between one tun.Device
// and one stackapi.Stack.
type Shuttle struct {
	log    *zap.Logger
	device tun.Device
	stack  stackapi.Stack
}

// New builds a Shuttle bound to one device and stack. The caller (the
// reconciler, which owns all three stack callback registrations) wires
// HandleOutbound as the stack's receive callback.
func New(log *zap.Logger, device tun.Device, stack stackapi.Stack) *Shuttle {
	return &Shuttle{log: log, device: device, stack: stack}
}

// HandleOutbound is the stack's on_receive callback: one outbound
// datagram is framed (if required) and written to the tun fd. A short
// write is logged and dropped; it does not kill the tunnel.
func (s *Shuttle) HandleOutbound(datagram []byte) {
	var frame []byte
	if s.device.Framing() == tun.FramingAF4Prefix {
		frame = make([]byte, afPrefixLen+len(datagram))
		binary.BigEndian.PutUint32(frame[:afPrefixLen], tun.AFInet6)
		copy(frame[afPrefixLen:], datagram)
	} else {
		frame = datagram
	}

	n, err := s.device.Write(frame)
	if err != nil {
		s.log.Warn("shuttle: write to tun failed, dropping packet", zap.Error(addr.WrapSystemCall("write", err)))
		return
	}
	if n != len(frame) {
		s.log.Warn("shuttle: short write to tun, dropping packet", zap.Int("wrote", n), zap.Int("want", len(frame)))
	}
}

// PumpInbound is called when the tun fd is readable: it reads one
// datagram, strips af-prefix framing if present, and hands the body to
// the stack. Returns addr.ErrFatal-wrapped errors for anything beyond
// "no data right now".
func (s *Shuttle) PumpInbound() error {
	buf := make([]byte, tun.MaxDatagram)
	n, err := s.device.Read(buf)
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			return nil
		}
		return fmt.Errorf("shuttle: tun read: %w: %w", addr.ErrFatal, err)
	}
	if n == 0 {
		return nil
	}

	body := buf[:n]
	if s.device.Framing() == tun.FramingAF4Prefix {
		if n < afPrefixLen {
			s.log.Warn("shuttle: short af-prefix frame, dropping", zap.Int("len", n))
			return nil
		}
		family := binary.BigEndian.Uint32(body[:afPrefixLen])
		if family != tun.AFInet6 {
			s.log.Warn("shuttle: unexpected address family in af-prefix frame, dropping", zap.Uint32("family", family))
			return nil
		}
		body = body[afPrefixLen:]
	}

	if err := s.stack.Send(body); err != nil {
		s.log.Warn("shuttle: stack rejected inbound packet, dropping", zap.Error(err))
	}
	return nil
}
