// Package netmon abstracts the two kernel event-notification dialects
// (Linux netlink, BSD/Darwin routing socket) into one stream of
// interface address and link-state changes on a single tunnel.
package netmon

import "github.com/postalsys/netifbridge/internal/addr"

// EventKind identifies which of the five kernel notifications a
// KernelEvent carries.
type EventKind int

const (
	AddrAdd EventKind = iota
	AddrDel
	MAddrAdd
	MAddrDel
	LinkChange
)

func (k EventKind) String() string {
	switch k {
	case AddrAdd:
		return "AddrAdd"
	case AddrDel:
		return "AddrDel"
	case MAddrAdd:
		return "MAddrAdd"
	case MAddrDel:
		return "MAddrDel"
	case LinkChange:
		return "LinkChange"
	default:
		return "Unknown"
	}
}

// KernelEvent is the platform-independent notification the reconciler
// consumes, whichever dialect produced it.
type KernelEvent struct {
	Kind      EventKind
	Addr      addr.IP6
	PrefixLen uint8
	Up        bool // valid only for LinkChange
}

// Source is a platform dialect's event stream, filtered to one
// interface index. Exactly one implementation is compiled in per
// build.
type Source interface {
	// Fd returns a descriptor that becomes readable whenever Next has
	// at least one event to return. On BSD/Darwin this is the raw
	// PF_ROUTE socket; on Linux it is a self-pipe fed by the netlink
	// library's subscription goroutines, since the high-level
	// subscribe API is channel-based rather than fd-based.
	Fd() int

	// Next drains and returns every event currently queued. Must only
	// be called once Fd reports readable; returns (nil, nil) on a
	// spurious wakeup.
	Next() ([]KernelEvent, error)

	// Close releases the underlying socket(s) and stops any
	// subscription goroutines.
	Close() error
}
