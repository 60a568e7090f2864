package mld

import (
	"encoding/binary"
	"testing"
)

// buildReport assembles one MLDv2 report datagram with the given
// records, each a (recordType, multicastAddr, numSources) triple; each
// record is followed by numSources zero-filled source addresses.
func buildReport(records [][3]any) []byte {
	buf := make([]byte, mldHeaderLen)
	buf[0] = icmpv6TypeMLDv2Report
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(records)))

	for _, r := range records {
		recordType := r[0].(byte)
		mcast := r[1].([16]byte)
		numSources := r[2].(uint16)

		rec := make([]byte, recordHeaderLen+int(numSources)*16)
		rec[0] = recordType
		rec[1] = 0 // aux_data_len
		binary.BigEndian.PutUint16(rec[2:4], numSources)
		copy(rec[4:20], mcast[:])

		buf = append(buf, rec...)
	}
	return buf
}

func TestParseReport_Join(t *testing.T) {
	// S4: one record, record_type=3 (CHANGE_TO_EXCLUDE = join), multicast
	// = ff03::abcd.
	mcast := [16]byte{0xff, 0x03}
	mcast[14] = 0xab
	mcast[15] = 0xcd

	data := buildReport([][3]any{{byte(recordChangeToExcludeJoin), mcast, uint16(0)}})

	events, ok := ParseReport(data)
	if !ok {
		t.Fatal("ParseReport failed on well-formed input")
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Kind != Join {
		t.Errorf("Kind = %v, want Join", events[0].Kind)
	}
	if events[0].Addr != mcast {
		t.Errorf("Addr = %x, want %x", events[0].Addr, mcast)
	}
}

func TestParseReport_Leave(t *testing.T) {
	mcast := [16]byte{0xff, 0x03}
	mcast[15] = 0x01

	data := buildReport([][3]any{{byte(recordChangeToIncludeLeave), mcast, uint16(0)}})

	events, ok := ParseReport(data)
	if !ok {
		t.Fatal("ParseReport failed on well-formed input")
	}
	if len(events) != 1 || events[0].Kind != Leave {
		t.Fatalf("events = %+v, want one Leave", events)
	}
}

func TestParseReport_MultipleRecords(t *testing.T) {
	a := [16]byte{0xff, 0x03, 15: 0xff}
	b := [16]byte{0xff, 0x03, 15: 0xfe}

	data := buildReport([][3]any{
		{byte(recordChangeToExcludeJoin), a, uint16(0)},
		{byte(recordChangeToIncludeLeave), b, uint16(0)},
	})

	events, ok := ParseReport(data)
	if !ok {
		t.Fatal("ParseReport failed")
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestParseReport_SkipsTrailingSources(t *testing.T) {
	mcast := [16]byte{0xff, 0x03}
	data := buildReport([][3]any{{byte(recordChangeToExcludeJoin), mcast, uint16(2)}})

	events, ok := ParseReport(data)
	if !ok {
		t.Fatal("ParseReport should tolerate (and skip) trailing source addresses")
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestParseReport_WrongType(t *testing.T) {
	data := make([]byte, mldHeaderLen)
	data[0] = 130 // MLD query, not a v2 report

	if _, ok := ParseReport(data); ok {
		t.Error("ParseReport should reject a non-143 ICMPv6 type")
	}
}

func TestParseReport_TruncatedHeader(t *testing.T) {
	if _, ok := ParseReport([]byte{icmpv6TypeMLDv2Report, 0, 0, 0}); ok {
		t.Error("ParseReport should reject a header shorter than 8 octets")
	}
}

func TestParseReport_TruncatedRecord(t *testing.T) {
	data := make([]byte, mldHeaderLen)
	data[0] = icmpv6TypeMLDv2Report
	binary.BigEndian.PutUint16(data[6:8], 1)
	data = append(data, make([]byte, 5)...) // short of recordHeaderLen

	if _, ok := ParseReport(data); ok {
		t.Error("ParseReport should reject a truncated record")
	}
}

func TestParseReport_ClaimedSourcesExceedBuffer(t *testing.T) {
	mcast := [16]byte{0xff, 0x03}
	// num_sources claims 5 trailing addresses but none are present.
	data := buildReport([][3]any{{byte(recordChangeToExcludeJoin), mcast, uint16(5)}})
	data = data[:mldHeaderLen+recordHeaderLen] // truncate the claimed sources away

	if _, ok := ParseReport(data); ok {
		t.Error("ParseReport should reject a record whose num_sources overruns the buffer")
	}
}

func TestParseReport_IgnoresOtherRecordTypes(t *testing.T) {
	mcast := [16]byte{0xff, 0x03}
	// record_type=1 (MODE_IS_INCLUDE) is neither join nor leave here.
	data := buildReport([][3]any{{byte(1), mcast, uint16(0)}})

	events, ok := ParseReport(data)
	if !ok {
		t.Fatal("ParseReport failed")
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0 for an uninteresting record type", len(events))
	}
}
