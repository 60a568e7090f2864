package stack

import (
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// injectInbound wraps a raw IPv6 datagram in a PacketBuffer and hands
// it to the channel endpoint as though it had just arrived off the
// wire.
func (s *Stack) injectInbound(datagram []byte) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), datagram...)),
	})
	defer pkt.DecRef()
	s.ep.InjectInbound(ipv6.ProtocolNumber, pkt)
}

// pumpOutbound drains packets gVisor wants to send out (replies it
// generated itself, or forwarded traffic) and hands each whole
// datagram to the registered receive callback. One goroutine for the
// life of the Stack: channel.Endpoint's write side is a queue, not a
// callback, so something has to pull from it.
func (s *Stack) pumpOutbound() {
	defer s.wg.Done()
	for {
		pkt := s.ep.ReadContext(s.ctx)
		if pkt == nil {
			return
		}
		s.deliverOutbound(pkt)
		pkt.DecRef()
	}
}

func (s *Stack) deliverOutbound(pkt *stack.PacketBuffer) {
	buf := pkt.ToBuffer()
	data := buf.Flatten()

	s.mu.Lock()
	cb := s.recvCb
	s.mu.Unlock()

	if cb == nil {
		return
	}
	cb(data)
}

// isICMPv6EchoRequest reports whether datagram is an ICMPv6 echo
// request, the one case Send special-cases around SetEchoMode.
func isICMPv6EchoRequest(datagram []byte) bool {
	if len(datagram) < header.IPv6MinimumSize {
		return false
	}
	ip := header.IPv6(datagram)
	if ip.TransportProtocol() != header.ICMPv6ProtocolNumber {
		return false
	}
	rest := datagram[header.IPv6MinimumSize:]
	if len(rest) < header.ICMPv6MinimumSize {
		return false
	}
	return header.ICMPv6(rest).Type() == header.ICMPv6EchoRequest
}
