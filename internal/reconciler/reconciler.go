// Package reconciler owns the central policy logic coupling the stack
// to the kernel: it registers the stack's three callbacks, consumes
// the kernel and MLD event streams, applies each side's changes to the
// other, and suppresses the echoes that would otherwise bounce a
// locally initiated change back onto itself.
package reconciler

import (
	"errors"
	"sync"
	"time"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/postalsys/netifbridge/internal/kernelnet"
	"github.com/postalsys/netifbridge/internal/mld"
	"github.com/postalsys/netifbridge/internal/netmon"
	"github.com/postalsys/netifbridge/internal/shuttle"
	"github.com/postalsys/netifbridge/internal/stackapi"
	"github.com/postalsys/netifbridge/internal/tun"
	"go.uber.org/zap"
)

// suppressionHorizon bounds how long a recorded push-to-a-side waits
// for its echo before the record is treated as stale. Short enough
// that a genuinely independent later event from the same side is never
// mistaken for an echo of an old push.
const suppressionHorizon = 2 * time.Second

// InterfaceHandle is the immutable identity of the tunnel this
// reconciler owns, published once at init.
type InterfaceHandle struct {
	Name  string
	Index int
}

type side int

const (
	sideKernel side = iota
	sideStack
)

type opKind int

const (
	opUnicastAdd opKind = iota
	opUnicastDel
	opMulticastAdd
	opMulticastDel
	opLinkChange
)

type suppressKey struct {
	side side
	kind opKind
	addr addr.IP6
}

// Reconciler is the single owner of one tunnel's echo-suppression
// table and address tables. Safe for its handler methods to be called
// from different goroutines (the reference stack's NIC dispatch loop
// is not guaranteed to run on the caller's goroutine), even though the
// logical model is a single cooperative event loop.
type Reconciler struct {
	log     *zap.Logger
	handle  InterfaceHandle
	stack   stackapi.Stack
	kernel  kernelnet.Config
	events  netmon.Source
	mldMon  mld.Monitor // nil when no MldMonitor is engaged
	shuttle *shuttle.Shuttle
	device  tun.Device

	mu        sync.Mutex
	suppress  map[suppressKey]time.Time
	unicast   map[addr.IP6]addr.UnicastEntry
	multicast map[addr.IP6]addr.MulticastEntry
	linkUp    bool
}

// New wires the reconciler to its collaborators and registers the
// stack's three callbacks. mldMon may be nil on platforms where
// KernelEventSource already observes multicast membership changes.
func New(log *zap.Logger, handle InterfaceHandle, device tun.Device, stack stackapi.Stack, kernel kernelnet.Config, events netmon.Source, mldMon mld.Monitor) *Reconciler {
	r := &Reconciler{
		log:       log,
		handle:    handle,
		stack:     stack,
		kernel:    kernel,
		events:    events,
		mldMon:    mldMon,
		device:    device,
		suppress:  make(map[suppressKey]time.Time),
		unicast:   make(map[addr.IP6]addr.UnicastEntry),
		multicast: make(map[addr.IP6]addr.MulticastEntry),
	}
	r.shuttle = shuttle.New(log, device, stack)

	stack.SetReceiveCallback(r.shuttle.HandleOutbound)
	stack.SetAddressCallback(r.onAddressChange)
	stack.SetStateChangedCallback(r.onStateChange)

	return r
}

// IsOwnAddress implements mld.OwnAddressChecker: the tunnel's own
// addresses are whatever currently appears in the unicast table,
// regardless of which side added it.
func (r *Reconciler) IsOwnAddress(a addr.IP6) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.unicast[a]
	return ok
}

// Snapshot returns a point-in-time copy of the tracked address tables
// and link state, for status reporting.
func (r *Reconciler) Snapshot() (unicast []addr.UnicastEntry, multicast []addr.MulticastEntry, linkUp bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.unicast {
		unicast = append(unicast, e)
	}
	for _, e := range r.multicast {
		multicast = append(multicast, e)
	}
	return unicast, multicast, r.linkUp
}

func (r *Reconciler) mark(s side, kind opKind, a addr.IP6) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppress[suppressKey{side: s, kind: kind, addr: a}] = time.Now().Add(suppressionHorizon)
}

// consume reports whether a matching push was recently recorded for
// (s, kind, a), removing it either way so a stale record cannot match
// twice.
func (r *Reconciler) consume(s side, kind opKind, a addr.IP6) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := suppressKey{side: s, kind: kind, addr: a}
	expiry, ok := r.suppress[key]
	if !ok {
		return false
	}
	delete(r.suppress, key)
	return time.Now().Before(expiry)
}

// onAddressChange is the stack's on_address_change callback.
func (r *Reconciler) onAddressChange(address addr.IP6, prefixLen uint8, isAdded bool) {
	if address.IsMulticast() {
		r.reflectMulticastToKernel(address, isAdded)
		return
	}
	r.reflectUnicastToKernel(address, prefixLen, isAdded)
}

func (r *Reconciler) reflectUnicastToKernel(a addr.IP6, prefixLen uint8, isAdded bool) {
	r.mu.Lock()
	if isAdded {
		r.unicast[a] = addr.UnicastEntry{Addr: a, PrefixLen: prefixLen, Origin: addr.OriginStack}
	} else {
		delete(r.unicast, a)
	}
	r.mu.Unlock()

	if isAdded {
		if r.consume(sideStack, opUnicastAdd, a) {
			return
		}
		r.mark(sideKernel, opUnicastAdd, a)
		if err := r.kernel.AddUnicast(a, prefixLen); err != nil {
			r.log.Warn("reconciler: kernel add_unicast failed", zap.String("addr", a.String()), zap.Error(err))
		}
		return
	}
	if r.consume(sideStack, opUnicastDel, a) {
		return
	}
	r.mark(sideKernel, opUnicastDel, a)
	if err := r.kernel.DelUnicast(a); err != nil {
		r.log.Warn("reconciler: kernel del_unicast failed", zap.String("addr", a.String()), zap.Error(err))
	}
}

func (r *Reconciler) reflectMulticastToKernel(a addr.IP6, isAdded bool) {
	r.mu.Lock()
	if isAdded {
		r.multicast[a] = addr.MulticastEntry{Addr: a, Origin: addr.OriginStack}
	} else {
		delete(r.multicast, a)
	}
	r.mu.Unlock()

	if isAdded {
		if r.consume(sideStack, opMulticastAdd, a) {
			return
		}
		r.mark(sideKernel, opMulticastAdd, a)
		if err := r.kernel.JoinMulticast(a); err != nil {
			r.log.Warn("reconciler: kernel join_multicast failed", zap.String("addr", a.String()), zap.Error(err))
		}
		return
	}
	if r.consume(sideStack, opMulticastDel, a) {
		return
	}
	r.mark(sideKernel, opMulticastDel, a)
	if err := r.kernel.LeaveMulticast(a); err != nil {
		r.log.Warn("reconciler: kernel leave_multicast failed", zap.String("addr", a.String()), zap.Error(err))
	}
}

// onStateChange is the stack's on_state_change callback. The
// netif-state bit is checked by intersection, not by a bare
// nonzero-flags comparison, since other bits may be set in the same
// notification and must not trigger a spurious reconciliation.
func (r *Reconciler) onStateChange(flags stackapi.ChangedFlags) {
	if flags&stackapi.NetifStateChanged == 0 {
		return
	}

	stackUp := r.stack.IsIP6Enabled()

	r.mu.Lock()
	converged := r.linkUp == stackUp
	r.mu.Unlock()
	if converged {
		return
	}

	kernelUp, err := r.kernel.QueryLink()
	if err != nil {
		r.log.Warn("reconciler: query_link failed", zap.Error(err))
		return
	}
	if kernelUp == stackUp {
		r.mu.Lock()
		r.linkUp = stackUp
		r.mu.Unlock()
		return
	}

	r.mark(sideKernel, opLinkChange, addr.IP6{})
	if err := r.kernel.SetLink(stackUp); err != nil {
		r.log.Warn("reconciler: set_link failed", zap.Bool("up", stackUp), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.linkUp = stackUp
	r.mu.Unlock()
}

// HandleKernelEvents drains and applies every currently queued event
// from the KernelEventSource. Intended to be called once the source's
// Fd reports readable.
func (r *Reconciler) HandleKernelEvents() error {
	events, err := r.events.Next()
	if err != nil {
		return err
	}
	for _, ev := range events {
		r.handleKernelEvent(ev)
	}
	return nil
}

func (r *Reconciler) handleKernelEvent(ev netmon.KernelEvent) {
	switch ev.Kind {
	case netmon.AddrAdd:
		r.handleKernelUnicastAdd(ev.Addr, ev.PrefixLen)
	case netmon.AddrDel:
		r.handleKernelUnicastDel(ev.Addr)
	case netmon.MAddrAdd:
		r.handleKernelMulticastAdd(ev.Addr)
	case netmon.MAddrDel:
		r.handleKernelMulticastDel(ev.Addr)
	case netmon.LinkChange:
		r.handleKernelLinkChange(ev.Up)
	}
}

func (r *Reconciler) handleKernelUnicastAdd(a addr.IP6, prefixLen uint8) {
	if r.consume(sideKernel, opUnicastAdd, a) {
		return
	}

	if a.IsLinkLocalUnicast() {
		// The kernel's own SLAAC raced ahead of the stack; the stack
		// owns link-local selection, so undo the kernel's add instead
		// of importing it (S3).
		r.log.Info("reconciler: removing kernel-originated link-local address", zap.String("addr", a.String()))
		if err := r.kernel.DelUnicast(a); err != nil {
			r.log.Warn("reconciler: failed to remove link-local race address", zap.String("addr", a.String()), zap.Error(err))
		}
		return
	}

	r.mu.Lock()
	r.unicast[a] = addr.UnicastEntry{Addr: a, PrefixLen: prefixLen, Origin: addr.OriginKernel}
	r.mu.Unlock()

	r.mark(sideStack, opUnicastAdd, a)
	if err := r.stack.AddUnicastAddress(a, prefixLen); err != nil && !errors.Is(err, addr.ErrAlready) {
		r.log.Warn("reconciler: stack add_unicast_address failed", zap.String("addr", a.String()), zap.Error(err))
	}
}

func (r *Reconciler) handleKernelUnicastDel(a addr.IP6) {
	if r.consume(sideKernel, opUnicastDel, a) {
		return
	}

	r.mu.Lock()
	delete(r.unicast, a)
	r.mu.Unlock()

	r.mark(sideStack, opUnicastDel, a)
	if err := r.stack.RemoveUnicastAddress(a); err != nil && !errors.Is(err, addr.ErrNotFound) {
		r.log.Warn("reconciler: stack remove_unicast_address failed", zap.String("addr", a.String()), zap.Error(err))
	}
}

func (r *Reconciler) handleKernelMulticastAdd(a addr.IP6) {
	if r.consume(sideKernel, opMulticastAdd, a) {
		return
	}

	r.mu.Lock()
	r.multicast[a] = addr.MulticastEntry{Addr: a, Origin: addr.OriginKernel}
	r.mu.Unlock()

	r.mark(sideStack, opMulticastAdd, a)
	if err := r.stack.SubscribeMulticastAddress(a); err != nil && !errors.Is(err, addr.ErrAlready) {
		r.log.Warn("reconciler: stack subscribe_multicast_address failed", zap.String("addr", a.String()), zap.Error(err))
	}
}

func (r *Reconciler) handleKernelMulticastDel(a addr.IP6) {
	if r.consume(sideKernel, opMulticastDel, a) {
		return
	}

	r.mu.Lock()
	delete(r.multicast, a)
	r.mu.Unlock()

	r.mark(sideStack, opMulticastDel, a)
	if err := r.stack.UnsubscribeMulticastAddress(a); err != nil && !errors.Is(err, addr.ErrNotFound) {
		r.log.Warn("reconciler: stack unsubscribe_multicast_address failed", zap.String("addr", a.String()), zap.Error(err))
	}
}

func (r *Reconciler) handleKernelLinkChange(up bool) {
	if r.consume(sideKernel, opLinkChange, addr.IP6{}) {
		return
	}

	r.mu.Lock()
	converged := r.linkUp == up
	r.mu.Unlock()
	if converged {
		return
	}

	// No sideStack mark here: onStateChange's own linkUp-vs-stackUp
	// equality check already absorbs the echo once this write lands, so
	// a second suppression record would never be consumed.
	if err := r.stack.SetIP6Enabled(up); err != nil {
		r.log.Warn("reconciler: stack set_ip6_enabled failed", zap.Bool("up", up), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.linkUp = up
	r.mu.Unlock()
}

// HandleMLDEvents drains and applies every multicast membership change
// the MldMonitor observed. A no-op when mldMon is nil.
func (r *Reconciler) HandleMLDEvents() error {
	if r.mldMon == nil {
		return nil
	}
	events, err := r.mldMon.Next()
	if err != nil {
		return err
	}
	for _, ev := range events {
		switch ev.Kind {
		case mld.Join:
			r.handleKernelMulticastAdd(ev.Addr)
		case mld.Leave:
			r.handleKernelMulticastDel(ev.Addr)
		}
	}
	return nil
}

// PumpTun reads one datagram from the tun device and hands it to the
// stack. Intended to be called once the tun fd reports readable.
func (r *Reconciler) PumpTun() error {
	return r.shuttle.PumpInbound()
}

// Handle returns the interface identity published at init.
func (r *Reconciler) Handle() InterfaceHandle { return r.handle }

// Close tears down every owned resource in reverse order of
// acquisition, idempotently. Safe to call on a partially constructed
// Reconciler.
func (r *Reconciler) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if r.mldMon != nil {
		record(r.mldMon.Close())
	}
	if r.events != nil {
		record(r.events.Close())
	}
	if r.kernel != nil {
		record(r.kernel.DestroyTunnel())
	}
	if r.device != nil {
		record(r.device.Close())
	}
	return firstErr
}
