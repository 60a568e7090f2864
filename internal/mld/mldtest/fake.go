// Package mldtest provides a mld.Monitor driven entirely by test code.
// It lives outside internal/mld so the production binary never links
// it.
package mldtest

import "github.com/postalsys/netifbridge/internal/mld"

// Fake is a mld.Monitor driven entirely by test code.
type Fake struct {
	events chan []mld.Event
	closed bool
}

// NewFake returns a ready-to-use Fake with a buffered event queue.
func NewFake() *Fake {
	return &Fake{events: make(chan []mld.Event, 64)}
}

func (f *Fake) Fd() int { return -1 }

func (f *Fake) Next() ([]mld.Event, error) {
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
func (f *Fake) Push(evs ...mld.Event) {
	f.events <- evs
}

func (f *Fake) Closed() bool { return f.closed }

var _ mld.Monitor = (*Fake)(nil)
