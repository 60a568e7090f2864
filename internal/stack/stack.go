// Package stack provides the reference stackapi.Stack implementation:
// a gVisor-backed, IPv6-only network stack with no TCP/UDP forwarding
// of its own. It exists so the bridge can be exercised end to end
// without a real mesh-networking stack attached; production
// deployments plug in their own stackapi.Stack implementation.
package stack

import (
	"context"
	"fmt"
	"sync"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/postalsys/netifbridge/internal/stackapi"
	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const nicID tcpip.NICID = 1

// channelQueueDepth bounds how many outbound packets gVisor may queue
// before WritePackets blocks; the pump goroutine drains it on the
// stack's own schedule, detached from the event loop's tick.
const channelQueueDepth = 256

// DefaultMTU matches the bridge's own datagram ceiling, not a gVisor
// default.
const DefaultMTU = 1280

// Stack wraps a gVisor network stack behind the stackapi.Stack
// contract. Unlike the forwarding proxy this package was adapted from,
// it never terminates TCP or UDP itself: every datagram it accepts or
// emits is a whole IPv6 packet handed to or received from the
// reconciler's shuttle.
type Stack struct {
	log    *zap.Logger
	stk    *stack.Stack
	ep     *channel.Endpoint
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	ip6Enabled bool
	echoMode   bool
	recvCb     stackapi.ReceiveFunc
	addrCb     stackapi.AddressChangeFunc
	stateCb    stackapi.StateChangeFunc
}

// New builds a single-NIC IPv6 gVisor stack. mtu <= 0 falls back to
// DefaultMTU.
func New(log *zap.Logger, mtu int) (*Stack, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	ep := channel.New(channelQueueDepth, uint32(mtu), "")

	opts := stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{ipv6.NewProtocol},
	}
	stk := stack.New(opts)

	if err := stk.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("stack: create nic: %s", err)
	}
	stk.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		log:        log,
		stk:        stk,
		ep:         ep,
		ctx:        ctx,
		cancel:     cancel,
		ip6Enabled: true,
		echoMode:   true,
	}

	s.wg.Add(1)
	go s.pumpOutbound()

	return s, nil
}

// Send hands one inbound datagram to the stack, as if the kernel had
// just delivered it off the tun device.
func (s *Stack) Send(datagram []byte) error {
	if len(datagram) < header.IPv6MinimumSize {
		return fmt.Errorf("stack: datagram shorter than ipv6 header: %w", addr.ErrInvalidArgument)
	}

	s.mu.Lock()
	echo, recvCb := s.echoMode, s.recvCb
	s.mu.Unlock()

	if !echo && isICMPv6EchoRequest(datagram) {
		// The kernel (or an application on top of it) owns ping
		// replies; hand the request straight back up instead of
		// letting gVisor's own ICMPv6 handler answer it.
		if recvCb != nil {
			recvCb(append([]byte(nil), datagram...))
		}
		return nil
	}

	s.injectInbound(datagram)
	return nil
}

func (s *Stack) IsIP6Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ip6Enabled
}

func (s *Stack) SetIP6Enabled(enabled bool) error {
	s.mu.Lock()
	if s.ip6Enabled == enabled {
		s.mu.Unlock()
		return nil
	}
	s.ip6Enabled = enabled
	s.mu.Unlock()

	if enabled {
		if err := s.stk.EnableNIC(nicID); err != nil {
			return fmt.Errorf("stack: enable nic: %s", err)
		}
		return nil
	}
	if err := s.stk.DisableNIC(nicID); err != nil {
		return fmt.Errorf("stack: disable nic: %s", err)
	}
	return nil
}

func (s *Stack) SetEchoMode(enabled bool) {
	s.mu.Lock()
	s.echoMode = enabled
	s.mu.Unlock()
}

// SetMulticastPromiscuous maps directly onto gVisor's NIC promiscuous
// mode: when enabled, the NIC accepts incoming multicast traffic
// regardless of group membership, for platforms whose KernelEventSource
// cannot observe membership changes and have no MldMonitor either.
func (s *Stack) SetMulticastPromiscuous(enabled bool) {
	s.stk.SetPromiscuousMode(nicID, enabled)
}

func (s *Stack) AddUnicastAddress(address addr.IP6, prefixLen uint8) error {
	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv6.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom16Slice(address.NetIP()),
			PrefixLen: int(prefixLen),
		},
	}
	err := s.stk.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{})
	if err == nil {
		return nil
	}
	if _, ok := err.(*tcpip.ErrDuplicateAddress); ok {
		return addr.ErrAlready
	}
	return fmt.Errorf("stack: add_unicast_address: %s", err)
}

func (s *Stack) RemoveUnicastAddress(address addr.IP6) error {
	err := s.stk.RemoveAddress(nicID, tcpip.AddrFrom16Slice(address.NetIP()))
	if err == nil {
		return nil
	}
	if _, ok := err.(*tcpip.ErrBadLocalAddress); ok {
		return addr.ErrNotFound
	}
	return fmt.Errorf("stack: remove_unicast_address: %s", err)
}

func (s *Stack) SubscribeMulticastAddress(address addr.IP6) error {
	err := s.stk.JoinGroup(ipv6.ProtocolNumber, nicID, tcpip.AddrFrom16Slice(address.NetIP()))
	if err == nil {
		return nil
	}
	if _, ok := err.(*tcpip.ErrDuplicateAddress); ok {
		return addr.ErrAlready
	}
	return fmt.Errorf("stack: subscribe_multicast_address: %s", err)
}

func (s *Stack) UnsubscribeMulticastAddress(address addr.IP6) error {
	err := s.stk.LeaveGroup(ipv6.ProtocolNumber, nicID, tcpip.AddrFrom16Slice(address.NetIP()))
	if err == nil {
		return nil
	}
	if _, ok := err.(*tcpip.ErrBadLocalAddress); ok {
		return addr.ErrNotFound
	}
	return fmt.Errorf("stack: unsubscribe_multicast_address: %s", err)
}

// SetReceiveCallback, SetAddressCallback and SetStateChangedCallback
// only store the handler. This reference stack has no autonomous
// address-assignment or link-state policy of its own (no SLAAC, no
// mesh-local prefix); every address and every enabled/disabled
// transition arrives through an explicit call from the reconciler, so
// addrCb and stateCb are never invoked here. A production
// mesh-networking stack wires them to its own policy engine.
func (s *Stack) SetReceiveCallback(fn stackapi.ReceiveFunc) {
	s.mu.Lock()
	s.recvCb = fn
	s.mu.Unlock()
}

func (s *Stack) SetAddressCallback(fn stackapi.AddressChangeFunc) {
	s.mu.Lock()
	s.addrCb = fn
	s.mu.Unlock()
}

func (s *Stack) SetStateChangedCallback(fn stackapi.StateChangeFunc) {
	s.mu.Lock()
	s.stateCb = fn
	s.mu.Unlock()
}

// Stats exposes the underlying gVisor stack counters for the status
// API.
func (s *Stack) Stats() tcpip.Stats {
	return s.stk.Stats()
}

// Close stops the outbound pump and tears down the gVisor stack.
// Idempotent.
func (s *Stack) Close() error {
	s.cancel()
	s.wg.Wait()
	s.stk.Close()
	return nil
}

var _ stackapi.Stack = (*Stack)(nil)
