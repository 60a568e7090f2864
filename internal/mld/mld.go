// Package mld sniffs MLDv2 membership reports on a raw ICMPv6 socket
// and synthesizes multicast join/leave events, for kernels that do not
// announce multicast membership changes through the routing plane.
package mld

import (
	"encoding/binary"

	"github.com/postalsys/netifbridge/internal/addr"
)

// AllMLDv2Routers is the destination group MLDv2 reports are sent to:
// ff02::16.
var AllMLDv2Routers = addr.IP6{
	0xff, 0x02, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0x16,
}

const icmpv6TypeMLDv2Report = 143

// Record type values from RFC 3810 §5.2.12; only the two that signal a
// single-address join or leave are of interest here.
const (
	recordChangeToExcludeJoin = 3
	recordChangeToIncludeLeave = 4
)

const (
	mldHeaderLen = 8  // type, rsv0, checksum, rsv1, num_records
	recordHeaderLen = 20 // record_type, aux_len, num_sources, multicast_addr
)

// EventKind distinguishes a synthesized join from a leave.
type EventKind int

const (
	Join EventKind = iota
	Leave
)

// Event is one multicast membership change parsed out of an MLDv2
// report.
type Event struct {
	Kind EventKind
	Addr addr.IP6
}

// ParseReport parses one MLDv2 report datagram (the payload after the
// IPv6 header, i.e. starting at the ICMPv6 type octet) into zero or
// more Events. Every field is read by explicit byte offset and network
// byte order, never by memory layout. Malformed or truncated input
// yields (nil, false) rather than a panic or partial result.
func ParseReport(data []byte) ([]Event, bool) {
	if len(data) < mldHeaderLen {
		return nil, false
	}
	if data[0] != icmpv6TypeMLDv2Report {
		return nil, false
	}

	numRecords := binary.BigEndian.Uint16(data[6:8])
	offset := mldHeaderLen

	var events []Event
	for i := 0; i < int(numRecords); i++ {
		if offset+recordHeaderLen > len(data) {
			return nil, false
		}

		recordType := data[offset]
		auxDataLen := data[offset+1]
		numSources := binary.BigEndian.Uint16(data[offset+2 : offset+4])

		var mcast addr.IP6
		copy(mcast[:], data[offset+4:offset+20])

		recordLen := recordHeaderLen + int(numSources)*16 + int(auxDataLen)*4
		if offset+recordLen > len(data) {
			return nil, false
		}

		switch recordType {
		case recordChangeToExcludeJoin:
			events = append(events, Event{Kind: Join, Addr: mcast})
		case recordChangeToIncludeLeave:
			events = append(events, Event{Kind: Leave, Addr: mcast})
		}

		offset += recordLen
	}

	return events, true
}

// Monitor is the platform socket wrapper around ParseReport. Exactly
// one implementation is compiled in per build.
type Monitor interface {
	// Fd is the raw ICMPv6 socket, for registration with the
	// EventLoopAdapter.
	Fd() int

	// Next reads one datagram, validates its source is one of the
	// tunnel's own addresses, and parses it. Returns (nil, nil) for a
	// datagram that is not from self, not a report, or malformed.
	Next() ([]Event, error)

	Close() error
}
