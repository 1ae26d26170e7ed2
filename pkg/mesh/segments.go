package mesh

import "encoding/binary"

// Segment payload lengths inside a reassembled segmented PDU. The SEG_O
// field of each segment addresses a slot of this size.
const (
	ControlSegmentLen = 8
	AccessSegmentLen  = 12
)

// AllocateSegments grows the segment list with pool buffers until its
// storage covers payloadLen bytes. It reports whether enough storage is
// attached; on false the list keeps whatever was obtained so a later
// retry only has to allocate the remainder.
func (p *Pools) AllocateSegments(segments *[]*NetworkPDU, payloadLen uint16) bool {
	storage := uint16(len(*segments)) * NetworkPayloadMax
	for storage < payloadLen {
		pdu := p.GetNetworkPDU()
		if pdu == nil {
			break
		}
		storage += NetworkPayloadMax
		*segments = append(*segments, pdu)
	}
	return storage >= payloadLen
}

// StorePayload moves buffers from free to out one at a time, filling each
// to NetworkPayloadMax before taking the next. The caller guarantees that
// free holds enough storage, via AllocateSegments.
func StorePayload(payload []byte, free *[]*NetworkPDU, out *[]*NetworkPDU) {
	offset := 0
	remaining := 0
	var current *NetworkPDU
	for offset < len(payload) {
		if remaining == 0 {
			current = (*free)[0]
			*free = (*free)[1:]
			*out = append(*out, current)
			remaining = NetworkPayloadMax
		}
		n := remaining
		if left := len(payload) - offset; left < n {
			n = left
		}
		copy(current.Data[current.Len:], payload[offset:offset+n])
		remaining -= n
		current.Len += uint16(n)
		offset += n
	}
}

// FlattenSegments reassembles a segment list into buf. Each segment's
// slot is its SEG_O field times segLen; list order is irrelevant. The
// lower transport header inside each segment is 4 bytes, with SEG_O in
// bits 5..9 of the big-endian word at offset 2.
func FlattenSegments(segments []*NetworkPDU, segLen int, buf []byte) {
	for _, segment := range segments {
		lower := segment.LowerTransportPDU()
		segO := int(binary.BigEndian.Uint16(lower[2:4])>>5) & 0x1f
		data := lower[4:]
		if len(data) > segLen {
			data = data[:segLen]
		}
		copy(buf[segO*segLen:], data)
	}
}

// FlattenUpper copies the plaintext segments of an outbound upper PDU
// into buf in list order and returns the total length. Outbound segments
// are raw payload buffers without headers.
func FlattenUpper(pdu *UpperPDU, buf []byte) int {
	offset := 0
	for _, segment := range pdu.Segments {
		copy(buf[offset:], segment.Data[:segment.Len])
		offset += int(segment.Len)
	}
	return offset
}
