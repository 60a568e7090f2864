// Package kernelnettest provides an in-memory kernelnet.Config for
// reconciler tests: no kernel, no privilege requirement,
// full call history for assertions. It lives outside internal/kernelnet
// so the production binary never links it.
package kernelnettest

import (
	"sync"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/postalsys/netifbridge/internal/kernelnet"
)

// Fake is an in-memory kernelnet.Config.
type Fake struct {
	mu sync.Mutex

	Unicast   map[addr.IP6]uint8
	Multicast map[addr.IP6]bool
	Up        bool

	Calls []string
}

// NewFake returns a ready-to-use Fake with empty address tables.
func NewFake() *Fake {
	return &Fake{
		Unicast:   make(map[addr.IP6]uint8),
		Multicast: make(map[addr.IP6]bool),
	}
}

func (f *Fake) AddUnicast(a addr.IP6, prefixLen uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "add_unicast:"+a.String())
	f.Unicast[a] = prefixLen
	return nil
}

func (f *Fake) DelUnicast(a addr.IP6) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "del_unicast:"+a.String())
	delete(f.Unicast, a)
	return nil
}

func (f *Fake) JoinMulticast(a addr.IP6) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "join_multicast:"+a.String())
	f.Multicast[a] = true
	return nil
}

func (f *Fake) LeaveMulticast(a addr.IP6) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "leave_multicast:"+a.String())
	delete(f.Multicast, a)
	return nil
}

func (f *Fake) SetLink(up bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Up == up {
		return nil
	}
	f.Calls = append(f.Calls, "set_link")
	f.Up = up
	return nil
}

func (f *Fake) QueryLink() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Up, nil
}

func (f *Fake) DestroyTunnel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "destroy_tunnel")
	return nil
}

// SetLinkCalls counts how many "set_link" entries are in Calls, for
// property 7 (link convergence idempotence).
func (f *Fake) SetLinkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == "set_link" {
			n++
		}
	}
	return n
}

var _ kernelnet.Config = (*Fake)(nil)
