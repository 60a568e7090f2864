// Package eventloop adapts the bridge's handful of readable file
// descriptors (tun, kernel-event source, optional MLD monitor) to an
// externally owned readiness multiplexer. The adapter itself never
// blocks: it only tells the host which fds to watch and dispatches
// once the host says one is ready.
package eventloop

import (
	"fmt"

	"go.uber.org/zap"
)

// Handler is the subset of *reconciler.Reconciler the adapter drives.
// Named here, rather than imported from internal/reconciler, so the
// adapter has no dependency on the concrete reconciler type and can be
// exercised with a fake in tests.
type Handler interface {
	PumpTun() error
	HandleKernelEvents() error
	HandleMLDEvents() error
}

// fdRole identifies which handler method drains a registered fd.
type fdRole int

const (
	roleTun fdRole = iota
	roleKernel
	roleMLD
)

type registration struct {
	fd   int
	role fdRole
}

// Adapter tracks the fixed set of fds the bridge needs watched and
// dispatches readiness notifications to the Handler in a fixed order:
// tun, then kernel events, then MLD.
type Adapter struct {
	log     *zap.Logger
	handler Handler
	tunFd   int
	kernFd  int
	mldFd   int // -1 when no MldMonitor is engaged
}

// New builds an Adapter. mldFd may be -1 when MLD sniffing is not
// engaged on this platform.
func New(log *zap.Logger, handler Handler, tunFd, kernFd, mldFd int) *Adapter {
	return &Adapter{log: log, handler: handler, tunFd: tunFd, kernFd: kernFd, mldFd: mldFd}
}

// FDSet is the host's view of which descriptors to watch for
// readability and which to watch for errors. The adapter always
// registers the same fd in both sets: any error on a core fd is fatal.
type FDSet struct {
	Read  []int
	Error []int
}

// RegisterReadables appends this adapter's fds to set, for the host to
// fold into its own select/poll/epoll registration.
func (a *Adapter) RegisterReadables(set *FDSet) {
	fds := a.fds()
	set.Read = append(set.Read, fds...)
	set.Error = append(set.Error, fds...)
}

func (a *Adapter) fds() []int {
	fds := []int{a.tunFd, a.kernFd}
	if a.mldFd >= 0 {
		fds = append(fds, a.mldFd)
	}
	return fds
}

// Ready is the host's report of which fds came back from the
// multiplexing call, split by read- and error-readiness.
type Ready struct {
	Readable map[int]bool
	Errored  map[int]bool
}

// Process dispatches one readiness tick. The error set is checked
// first: an error on any core fd is fatal and Process returns it
// immediately without touching the read set. Otherwise handlers run in
// the fixed order tun, kernel events, MLD, regardless of which subset
// of fds came back readable.
func (a *Adapter) Process(ready Ready) error {
	for _, fd := range a.fds() {
		if ready.Errored[fd] {
			return fmt.Errorf("eventloop: fatal error on fd %d", fd)
		}
	}

	if ready.Readable[a.tunFd] {
		if err := a.handler.PumpTun(); err != nil {
			return fmt.Errorf("eventloop: tun: %w", err)
		}
	}
	if ready.Readable[a.kernFd] {
		if err := a.handler.HandleKernelEvents(); err != nil {
			return fmt.Errorf("eventloop: kernel events: %w", err)
		}
	}
	if a.mldFd >= 0 && ready.Readable[a.mldFd] {
		if err := a.handler.HandleMLDEvents(); err != nil {
			return fmt.Errorf("eventloop: mld: %w", err)
		}
	}
	return nil
}
