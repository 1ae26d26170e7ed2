package mesh

import "encoding/binary"

// NonceSize is the size of the AES-CCM nonce used for access payloads.
const NonceSize = 13

// Nonce types, stored in the first nonce byte.
const (
	nonceTypeApplication = 0x01
	nonceTypeDevice      = 0x02
)

// Nonce is the 13-byte application or device nonce:
//
//	[0]    nonce type (0x01 application, 0x02 device)
//	[1]    ASZMIC: 0x80 when the TransMIC is 8 bytes, else 0x00
//	[2:5]  SEQ
//	[5:7]  SRC
//	[7:9]  DST
//	[9:13] IV index
type Nonce [NonceSize]byte

// IVIndexForIVI resolves the IV index to use for a PDU carrying the given
// IVI|NID byte. If the least-significant bit of the current IV index does
// not match the IVI bit, the previous IV index is still in use for that
// PDU and is returned instead. This covers the transition window of an IV
// index update.
func IVIndexForIVI(ivIndex uint32, iviNid uint8) uint32 {
	ivi := uint32(iviNid >> 7)
	if (ivIndex&1)^ivi != 0 {
		ivIndex--
	}
	return ivIndex
}

func setupNonce(n *Nonce, device bool, transMICLen uint8, seq uint32, src, dst uint16, iviNid uint8, ivIndex uint32) {
	n[0] = nonceTypeApplication
	if device {
		n[0] = nonceTypeDevice
	}
	n[1] = 0x00
	if transMICLen == 8 {
		n[1] = 0x80
	}
	n[2] = uint8(seq >> 16)
	n[3] = uint8(seq >> 8)
	n[4] = uint8(seq)
	binary.BigEndian.PutUint16(n[5:7], src)
	binary.BigEndian.PutUint16(n[7:9], dst)
	binary.BigEndian.PutUint32(n[9:13], IVIndexForIVI(ivIndex, iviNid))
}

// AccessNonce builds the nonce for a received access PDU from its network
// header. ivIndex is the node's current IV index; the header's IVI bit
// selects between it and its predecessor.
func AccessNonce(device bool, transMICLen uint8, header NetworkHeader, ivIndex uint32) Nonce {
	var n Nonce
	setupNonce(&n, device, transMICLen, header.Seq(), header.Src(), header.Dst(), header.IviNid(), ivIndex)
	return n
}

// UpperNonce builds the nonce for an outbound upper PDU from its header
// fields. The destination must already be the on-air address, i.e. the
// virtual hash rather than the pseudo destination.
func UpperNonce(device bool, pdu *UpperPDU, ivIndex uint32) Nonce {
	var n Nonce
	setupNonce(&n, device, pdu.TransMICLen, pdu.Seq, pdu.Src, pdu.Dst, pdu.IviNid, ivIndex)
	return n
}
