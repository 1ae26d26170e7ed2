package mesh

import "encoding/binary"

// NetworkHeaderSize is the fixed size of the network PDU header.
const NetworkHeaderSize = 9

// NetworkHeader is the 9-byte big-endian network PDU header.
//
// Wire format (offsets in square brackets):
//
//  1. [0] IVI (most-significant bit) and NID (7 bits)
//  2. [1] CTL (most-significant bit) and TTL (7 bits)
//  3. [2] SEQ (3 bytes)
//  4. [5] SRC (2 bytes)
//  5. [7] DST (2 bytes)
type NetworkHeader [NetworkHeaderSize]byte

func (h NetworkHeader) IviNid() uint8 { return h[0] }
func (h NetworkHeader) CtlTtl() uint8 { return h[1] }
func (h NetworkHeader) Ctl() bool     { return h[1]>>7 != 0 }
func (h NetworkHeader) TTL() uint8    { return h[1] & 0x7f }
func (h NetworkHeader) Seq() uint32   { return uint32(h[2])<<16 | uint32(h[3])<<8 | uint32(h[4]) }
func (h NetworkHeader) Src() uint16   { return binary.BigEndian.Uint16(h[5:7]) }
func (h NetworkHeader) Dst() uint16   { return binary.BigEndian.Uint16(h[7:9]) }

func (h *NetworkHeader) SetIviNid(iviNid uint8) { h[0] = iviNid }
func (h *NetworkHeader) SetCtlTtl(ctlTtl uint8) { h[1] = ctlTtl }

func (h *NetworkHeader) SetSeq(seq uint32) {
	h[2] = uint8(seq >> 16)
	h[3] = uint8(seq >> 8)
	h[4] = uint8(seq)
}

func (h *NetworkHeader) SetSrc(src uint16) { binary.BigEndian.PutUint16(h[5:7], src) }
func (h *NetworkHeader) SetDst(dst uint16) { binary.BigEndian.PutUint16(h[7:9], dst) }

// Setup initialises a wire NetworkPDU with the given header fields and
// lower transport payload.
func (p *NetworkPDU) Setup(netkeyIndex uint16, nid uint8, ivi uint8, ctl bool, ttl uint8, seq uint32, src, dst uint16, transportPDU []byte) {
	p.NetkeyIndex = netkeyIndex
	p.Flags = 0

	var h NetworkHeader
	h.SetIviNid(nid | (ivi << 7))
	ctlTtl := ttl & 0x7f
	if ctl {
		ctlTtl |= 0x80
	}
	h.SetCtlTtl(ctlTtl)
	h.SetSeq(seq)
	h.SetSrc(src)
	h.SetDst(dst)

	copy(p.Data[:NetworkHeaderSize], h[:])
	copy(p.Data[NetworkHeaderSize:], transportPDU)
	p.Len = uint16(NetworkHeaderSize + len(transportPDU))
}

// SetSeq stores a sequence number into the header of a wire NetworkPDU.
func (p *NetworkPDU) SetSeq(seq uint32) {
	p.Data[2] = uint8(seq >> 16)
	p.Data[3] = uint8(seq >> 8)
	p.Data[4] = uint8(seq)
}
