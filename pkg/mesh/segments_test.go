package mesh

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestAllocateSegments(t *testing.T) {
	pools := NewPools(3, 0, 0)

	var segments []*NetworkPDU
	if !pools.AllocateSegments(&segments, 2*NetworkPayloadMax+1) {
		t.Fatal("allocation should succeed with 3 buffers available")
	}
	if len(segments) != 3 {
		t.Fatalf("got %v segments, want 3", len(segments))
	}
	if pools.NetworkPDUsAvailable() != 0 {
		t.Fatalf("pool should be empty, has %v", pools.NetworkPDUsAvailable())
	}

	// Exhausted pool: the partial allocation is kept for a later retry.
	var more []*NetworkPDU
	if pools.AllocateSegments(&more, 1) {
		t.Fatal("allocation should fail on an empty pool")
	}

	// Freeing a buffer makes the retry succeed without reallocating what
	// is already attached.
	pools.FreeNetworkPDU(segments[2])
	segments = segments[:2]
	if !pools.AllocateSegments(&segments, 2*NetworkPayloadMax+1) {
		t.Fatal("retry should succeed after a buffer was freed")
	}
	if len(segments) != 3 {
		t.Fatalf("got %v segments after retry, want 3", len(segments))
	}
}

func TestStorePayloadFillsSequentially(t *testing.T) {
	pools := NewPools(2, 0, 0)
	payload := bytes.Repeat([]byte{0xa5}, NetworkPayloadMax+5)

	var free []*NetworkPDU
	if !pools.AllocateSegments(&free, uint16(len(payload))) {
		t.Fatal("allocation failed")
	}

	var out []*NetworkPDU
	StorePayload(payload, &free, &out)

	if len(free) != 0 {
		t.Errorf("free list should be drained, has %v", len(free))
	}
	if len(out) != 2 {
		t.Fatalf("got %v output segments, want 2", len(out))
	}
	if out[0].Len != NetworkPayloadMax {
		t.Errorf("first segment len: got %v, want %v", out[0].Len, NetworkPayloadMax)
	}
	if out[1].Len != 5 {
		t.Errorf("second segment len: got %v, want 5", out[1].Len)
	}

	var flat [2 * NetworkPayloadMax]byte
	n := FlattenUpper(&UpperPDU{Segments: out}, flat[:])
	if n != len(payload) {
		t.Fatalf("flattened %v bytes, want %v", n, len(payload))
	}
	if !bytes.Equal(flat[:n], payload) {
		t.Error("flattened payload differs from input")
	}
}

// wireSegment builds an inbound network segment with the given SEG_O and
// segment data, the shape the lower transport hands up after reassembly.
func wireSegment(segO int, data []byte) *NetworkPDU {
	seg := &NetworkPDU{}
	binary.BigEndian.PutUint16(seg.Data[11:13], uint16(segO)<<5)
	copy(seg.Data[13:], data)
	seg.Len = uint16(13 + len(data))
	return seg
}

func TestFlattenSegmentsOrdersBySegO(t *testing.T) {
	// List order deliberately reversed; slots come from SEG_O.
	segments := []*NetworkPDU{
		wireSegment(1, bytes.Repeat([]byte{0x22}, AccessSegmentLen)),
		wireSegment(0, bytes.Repeat([]byte{0x11}, AccessSegmentLen)),
	}

	var buf [2 * AccessSegmentLen]byte
	FlattenSegments(segments, AccessSegmentLen, buf[:])

	want := append(bytes.Repeat([]byte{0x11}, AccessSegmentLen),
		bytes.Repeat([]byte{0x22}, AccessSegmentLen)...)
	if !bytes.Equal(buf[:], want) {
		t.Errorf("flattened bytes out of order: got %x, want %x", buf[:], want)
	}
}

func TestFlattenSegmentsShortTail(t *testing.T) {
	segments := []*NetworkPDU{
		wireSegment(0, bytes.Repeat([]byte{0x11}, AccessSegmentLen)),
		wireSegment(1, []byte{0x22, 0x22, 0x22}),
	}

	var buf [2 * AccessSegmentLen]byte
	FlattenSegments(segments, AccessSegmentLen, buf[:])

	if !bytes.Equal(buf[AccessSegmentLen:AccessSegmentLen+3], []byte{0x22, 0x22, 0x22}) {
		t.Errorf("tail segment misplaced: %x", buf[:])
	}
}
