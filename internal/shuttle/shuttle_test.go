package shuttle

import (
	"bytes"
	"io"
	"testing"

	"github.com/postalsys/netifbridge/internal/addr"
	"github.com/postalsys/netifbridge/internal/stackapi"
	"github.com/postalsys/netifbridge/internal/tun"
	"go.uber.org/zap"
)

// fakeDevice is a tun.Device backed by in-memory buffers.
type fakeDevice struct {
	framing tun.Framing
	written [][]byte
	toRead  [][]byte
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	if len(d.toRead) == 0 {
		return 0, io.EOF
	}
	next := d.toRead[0]
	d.toRead = d.toRead[1:]
	return copy(p, next), nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	d.written = append(d.written, cp)
	return len(p), nil
}

func (d *fakeDevice) Close() error     { return nil }
func (d *fakeDevice) Name() string     { return "wpan0" }
func (d *fakeDevice) Index() int       { return 1 }
func (d *fakeDevice) MTU() int         { return 1280 }
func (d *fakeDevice) Fd() int          { return -1 }
func (d *fakeDevice) Framing() tun.Framing { return d.framing }

// fakeStack is a minimal stackapi.Stack that records Send calls and
// lets tests invoke the registered receive callback directly.
type fakeStack struct {
	sent     [][]byte
	receiveFn stackapi.ReceiveFunc
}

func (s *fakeStack) Send(datagram []byte) error {
	s.sent = append(s.sent, append([]byte(nil), datagram...))
	return nil
}
func (s *fakeStack) IsIP6Enabled() bool                                        { return true }
func (s *fakeStack) SetIP6Enabled(enabled bool) error                         { return nil }
func (s *fakeStack) SetEchoMode(enabled bool)                                 {}
func (s *fakeStack) SetMulticastPromiscuous(enabled bool)                     {}
func (s *fakeStack) AddUnicastAddress(address addr.IP6, prefixLen uint8) error { return nil }
func (s *fakeStack) RemoveUnicastAddress(address addr.IP6) error              { return nil }
func (s *fakeStack) SubscribeMulticastAddress(address addr.IP6) error         { return nil }
func (s *fakeStack) UnsubscribeMulticastAddress(address addr.IP6) error       { return nil }
func (s *fakeStack) SetReceiveCallback(fn stackapi.ReceiveFunc)               { s.receiveFn = fn }
func (s *fakeStack) SetAddressCallback(fn stackapi.AddressChangeFunc)         {}
func (s *fakeStack) SetStateChangedCallback(fn stackapi.StateChangeFunc)      {}

func newTestLogger() *zap.Logger { return zap.NewNop() }

// TestPacketRoundTrip_NoPrefix covers property 4: a datagram written into the
// tun results in exactly one stack.Send with byte-identical payload.
func TestPacketRoundTrip_NoPrefix(t *testing.T) {
	payload := []byte{0x60, 0, 0, 0, 0, 4, 17, 64}
	dev := &fakeDevice{framing: tun.FramingNone, toRead: [][]byte{payload}}
	stack := &fakeStack{}

	s := New(newTestLogger(), dev, stack)
	if err := s.PumpInbound(); err != nil {
		t.Fatalf("PumpInbound: %v", err)
	}

	if len(stack.sent) != 1 {
		t.Fatalf("stack.sent has %d entries, want 1", len(stack.sent))
	}
	if !bytes.Equal(stack.sent[0], payload) {
		t.Errorf("sent payload = %x, want %x", stack.sent[0], payload)
	}
}

// TestPacketRoundTrip_AFPrefix covers S5: a tun read yielding
// [00 00 00 0A | D] on an af-prefix platform hands the stack exactly D.
func TestPacketRoundTrip_AFPrefix(t *testing.T) {
	payload := []byte{0x60, 0, 0, 0, 0, 4, 17, 64}
	frame := append([]byte{0x00, 0x00, 0x00, 0x0A}, payload...)

	dev := &fakeDevice{framing: tun.FramingAF4Prefix, toRead: [][]byte{frame}}
	stack := &fakeStack{}

	s := New(newTestLogger(), dev, stack)
	if err := s.PumpInbound(); err != nil {
		t.Fatalf("PumpInbound: %v", err)
	}

	if len(stack.sent) != 1 || !bytes.Equal(stack.sent[0], payload) {
		t.Fatalf("sent = %v, want one entry equal to %x", stack.sent, payload)
	}
}

// TestFramingRoundTrip covers property 5: bytes written to the tun fd
// on an af-prefix platform equal [00 00 00 0A] ++ payload.
func TestFramingRoundTrip(t *testing.T) {
	payload := []byte{0x60, 1, 2, 3}
	dev := &fakeDevice{framing: tun.FramingAF4Prefix}
	stack := &fakeStack{}

	s := New(newTestLogger(), dev, stack)
	s.HandleOutbound(payload)

	if len(dev.written) != 1 {
		t.Fatalf("dev.written has %d entries, want 1", len(dev.written))
	}
	want := append([]byte{0x00, 0x00, 0x00, 0x0A}, payload...)
	if !bytes.Equal(dev.written[0], want) {
		t.Errorf("written = %x, want %x", dev.written[0], want)
	}
}

func TestOutbound_NoPrefix(t *testing.T) {
	payload := []byte{0x60, 1, 2, 3}
	dev := &fakeDevice{framing: tun.FramingNone}
	stack := &fakeStack{}

	s := New(newTestLogger(), dev, stack)
	s.HandleOutbound(payload)

	if len(dev.written) != 1 || !bytes.Equal(dev.written[0], payload) {
		t.Fatalf("written = %v, want one entry equal to %x", dev.written, payload)
	}
}

func TestPumpInbound_ZeroReadIgnored(t *testing.T) {
	dev := &fakeDevice{framing: tun.FramingNone, toRead: [][]byte{{}}}
	stack := &fakeStack{}

	s := New(newTestLogger(), dev, stack)
	if err := s.PumpInbound(); err != nil {
		t.Fatalf("PumpInbound: %v", err)
	}
	if len(stack.sent) != 0 {
		t.Errorf("stack.sent = %v, want empty for a zero-length read", stack.sent)
	}
}

func TestPumpInbound_ShortAFPrefixDropped(t *testing.T) {
	dev := &fakeDevice{framing: tun.FramingAF4Prefix, toRead: [][]byte{{0x00, 0x00}}}
	stack := &fakeStack{}

	s := New(newTestLogger(), dev, stack)
	if err := s.PumpInbound(); err != nil {
		t.Fatalf("PumpInbound: %v", err)
	}
	if len(stack.sent) != 0 {
		t.Errorf("stack.sent = %v, want empty for a truncated af-prefix frame", stack.sent)
	}
}
