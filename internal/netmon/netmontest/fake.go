// Package netmontest provides a netmon.Source driven entirely by test
// code: reconciler tests push synthetic kernel events
// without a real socket. It lives outside internal/netmon so the
// production binary never links it.
package netmontest

import "github.com/postalsys/netifbridge/internal/netmon"

// Fake is a netmon.Source driven entirely by test code.
type Fake struct {
	events chan []netmon.KernelEvent
	closed bool
}

// NewFake returns a ready-to-use Fake with a buffered event queue.
func NewFake() *Fake {
	return &Fake{events: make(chan []netmon.KernelEvent, 64)}
}

// Fd always reports -1: callers drive a Fake directly via Next rather
// than through readiness polling.
func (f *Fake) Fd() int { return -1 }

func (f *Fake) Next() ([]netmon.KernelEvent, error) {
	select {
	case evs := <-f.events:
		return evs, nil
	default:
		return nil, nil
	}
}

func (f *Fake) Close() error {
	f.closed = true
	return nil
}

// Push enqueues one batch of events for the next Next call to return.
func (f *Fake) Push(evs ...netmon.KernelEvent) {
	f.events <- evs
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool { return f.closed }

var _ netmon.Source = (*Fake)(nil)
