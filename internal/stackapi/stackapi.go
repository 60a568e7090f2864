// Package stackapi defines the contract between the netif bridge and
// the in-process IPv6 stack it mirrors kernel state into. The stack is
// an external collaborator; this package only names the boundary.
// internal/stack provides one concrete implementation used for testing
// and as the default peer for cmd/netifbridged; a production
// mesh-networking stack would implement the same interface.
package stackapi

import "github.com/postalsys/netifbridge/internal/addr"

// ChangedFlags is a bitmask of state transitions a Stack reports
// through its state-change callback. Only the netif-state bit is
// consumed by the reconciler; other bits are passed through unused.
type ChangedFlags uint32

// NetifStateChanged is the bit that must be set for a state-change
// notification to mean "the stack's IPv6-enabled flag moved". The
// reconciler checks this with a bitwise AND, not OR, since other bits
// may be set in the same notification and must not trigger a spurious
// netif-state reconciliation.
const NetifStateChanged ChangedFlags = 1 << 0

// ReceiveFunc is invoked by the stack with one outbound datagram ready
// for delivery to the kernel-facing side (the shuttle). The slice is
// only valid for the duration of the call; implementations that need
// to retain it must copy.
type ReceiveFunc func(datagram []byte)

// AddressChangeFunc is invoked by the stack whenever it adds or removes
// a unicast or multicast address from its own table.
type AddressChangeFunc func(address addr.IP6, prefixLen uint8, isAdded bool)

// StateChangeFunc is invoked by the stack on any internal state
// transition; flags indicates which ones.
type StateChangeFunc func(flags ChangedFlags)

// Stack is the contract the reconciler drives and is driven by. Every
// mutating method is idempotent from the caller's point of view: a
// duplicate add returns an error satisfying errors.Is(err,
// addr.ErrAlready), a duplicate remove returns one satisfying
// errors.Is(err, addr.ErrNotFound); both are treated as success by
// callers. Buffers are passed and returned as plain []byte, since the
// runtime garbage-collects buffers the stack does not retain.
type Stack interface {
	// Send hands one inbound datagram (read from the TUN device) to the
	// stack. Returns addr.ErrNoBufs if the stack has no buffer space.
	Send(datagram []byte) error

	// IsIP6Enabled reports the stack's current IPv6-enabled flag.
	IsIP6Enabled() bool

	// SetIP6Enabled sets the stack's IPv6-enabled flag, converging it
	// with the kernel's UP flag.
	SetIP6Enabled(enabled bool) error

	// SetEchoMode enables or disables the stack's own ICMPv6 echo
	// responder; the bridge disables it so the kernel (or an
	// application on top of it) owns ping replies.
	SetEchoMode(enabled bool)

	// SetMulticastPromiscuous requests that the stack pass all incoming
	// multicast traffic up regardless of subscription state. Used only
	// on platforms that can observe neither RTM_NEWMADDR-style kernel
	// notifications nor MLDv2 reports.
	SetMulticastPromiscuous(enabled bool)

	// AddUnicastAddress adds addr/prefixLen to the stack's address
	// table. Returns an error satisfying errors.Is(err,
	// addr.ErrAlready) if already present.
	AddUnicastAddress(address addr.IP6, prefixLen uint8) error

	// RemoveUnicastAddress removes address. Returns an error satisfying
	// errors.Is(err, addr.ErrNotFound) if absent.
	RemoveUnicastAddress(address addr.IP6) error

	// SubscribeMulticastAddress joins a multicast group on the stack.
	SubscribeMulticastAddress(address addr.IP6) error

	// UnsubscribeMulticastAddress leaves a multicast group on the stack.
	UnsubscribeMulticastAddress(address addr.IP6) error

	// SetReceiveCallback registers the function invoked for each
	// outbound datagram the stack emits.
	SetReceiveCallback(fn ReceiveFunc)

	// SetAddressCallback registers the function invoked whenever the
	// stack's own address table changes.
	SetAddressCallback(fn AddressChangeFunc)

	// SetStateChangedCallback registers the function invoked on stack
	// state transitions.
	SetStateChangedCallback(fn StateChangeFunc)
}
