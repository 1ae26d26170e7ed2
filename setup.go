package btmesh

import (
	"fmt"

	"github.com/gaoheyang/btmesh/pkg/mesh"
)

// SetupControlPDU prepares a control PDU for SendControlPDU. An
// unsegmented control message (payload up to 11 bytes) is packed into a
// NetworkPDU; a segmented one (payload up to 256 bytes) into an UpperPDU
// whose plaintext is stored across pool segments.
func (t *UpperTransport) SetupControlPDU(pdu mesh.PDU, netkeyIndex uint16, ttl uint8, src, dst uint16, opcode uint8, data []byte) error {
	switch p := pdu.(type) {
	case *mesh.NetworkPDU:
		return t.setupUnsegmentedControl(p, netkeyIndex, ttl, src, dst, opcode, data)
	case *mesh.UpperPDU:
		return t.setupSegmentedControl(p, netkeyIndex, ttl, src, dst, opcode, data)
	default:
		panic(fmt.Sprintf("btmesh: SetupControlPDU on PDU of type %v", pdu.Header().PDUType))
	}
}

func (t *UpperTransport) setupUnsegmentedControl(p *mesh.NetworkPDU, netkeyIndex uint16, ttl uint8, src, dst uint16, opcode uint8, data []byte) error {
	if len(data) > mesh.UnsegmentedControlMaxPayload {
		return fmt.Errorf("%w: unsegmented control payload %v > %v",
			ErrPayloadTooLong, len(data), mesh.UnsegmentedControlMaxPayload)
	}
	networkKey := t.keys.NetworkKey(netkeyIndex)
	if networkKey == nil {
		return fmt.Errorf("%w: %v", ErrUnknownNetKey, netkeyIndex)
	}

	var transportPDU [mesh.UnsegmentedControlMaxPayload + 1]byte
	transportPDU[0] = opcode
	copy(transportPDU[1:], data)

	// SEQ is reserved and stored by the scheduler at emission time.
	ivi := uint8(t.seq.IVIndexForTX() & 1)
	p.Setup(netkeyIndex, networkKey.NID, ivi, true, ttl, 0, src, dst, transportPDU[:1+len(data)])
	p.PDUType = mesh.PDUTypeUpperUnsegmentedControl
	return nil
}

func (t *UpperTransport) setupSegmentedControl(p *mesh.UpperPDU, netkeyIndex uint16, ttl uint8, src, dst uint16, opcode uint8, data []byte) error {
	if len(data) > mesh.SegmentedControlMaxPayload {
		return fmt.Errorf("%w: segmented control payload %v > %v",
			ErrPayloadTooLong, len(data), mesh.SegmentedControlMaxPayload)
	}
	networkKey := t.keys.NetworkKey(netkeyIndex)
	if networkKey == nil {
		return fmt.Errorf("%w: %v", ErrUnknownNetKey, netkeyIndex)
	}

	p.IviNid = networkKey.NID | uint8(t.seq.IVIndexForTX()&1)<<7
	p.CtlTtl = 0x80 | (ttl & 0x7f)
	p.Src = src
	p.Dst = dst
	p.TransMICLen = 0 // control PDUs carry no TransMIC
	p.NetkeyIndex = netkeyIndex
	p.AkfAidOpcode = opcode

	var free []*mesh.NetworkPDU
	if !t.pools.AllocateSegments(&free, uint16(len(data))) {
		t.freeSegments(&free)
		return ErrPoolExhausted
	}
	mesh.StorePayload(data, &free, &p.Segments)
	p.Len = uint16(len(data))
	p.PDUType = mesh.PDUTypeUpperSegmentedControl
	return nil
}

// SetupAccessPDU prepares an upper access PDU for SendAccessPDU. szmic
// selects the TransMIC length: false for 4 bytes, true for 8. The
// variant is chosen from the payload size: anything that does not fit an
// unsegmented carrier with a 4-byte TransMIC, and every 8-byte-TransMIC
// message, goes segmented.
func (t *UpperTransport) SetupAccessPDU(pdu mesh.PDU, netkeyIndex, appkeyIndex uint16, ttl uint8, src, dst uint16, szmic bool, data []byte) error {
	upper, ok := pdu.(*mesh.UpperPDU)
	if !ok {
		panic(fmt.Sprintf("btmesh: SetupAccessPDU on PDU of type %v", pdu.Header().PDUType))
	}
	if len(data) > mesh.AccessPayloadMax-8 {
		return fmt.Errorf("%w: access payload %v > %v",
			ErrPayloadTooLong, len(data), mesh.AccessPayloadMax-8)
	}

	if err := t.setupUpperAccessHeader(upper, netkeyIndex, appkeyIndex, ttl, src, dst, szmic); err != nil {
		return err
	}

	if !szmic && len(data) <= mesh.UnsegmentedAccessMaxPlaintext {
		upper.PDUType = mesh.PDUTypeUpperUnsegmentedAccess
	} else {
		upper.PDUType = mesh.PDUTypeUpperSegmentedAccess
	}

	var free []*mesh.NetworkPDU
	if !t.pools.AllocateSegments(&free, uint16(len(data))) {
		t.freeSegments(&free)
		return ErrPoolExhausted
	}
	mesh.StorePayload(data, &free, &upper.Segments)
	upper.Len = uint16(len(data))
	return nil
}

func (t *UpperTransport) setupUpperAccessHeader(upper *mesh.UpperPDU, netkeyIndex, appkeyIndex uint16, ttl uint8, src, dst uint16, szmic bool) error {
	key := t.keys.TransportKey(appkeyIndex)
	if key == nil {
		return fmt.Errorf("%w: %v", ErrUnknownAppKey, appkeyIndex)
	}
	networkKey := t.keys.NetworkKey(netkeyIndex)
	if networkKey == nil {
		return fmt.Errorf("%w: %v", ErrUnknownNetKey, netkeyIndex)
	}

	upper.IviNid = networkKey.NID | uint8(t.seq.IVIndexForTX()&1)<<7
	upper.CtlTtl = ttl & 0x7f
	upper.Src = src
	upper.Dst = dst
	upper.TransMICLen = 4
	if szmic {
		upper.TransMICLen = 8
	}
	upper.NetkeyIndex = netkeyIndex
	upper.AppkeyIndex = appkeyIndex
	upper.AkfAidOpcode = key.AkfAid()
	return nil
}

// SetupAccessPDUHeader fills the header of a single-buffer access PDU
// without touching its payload. Used by layers that reassemble or
// construct access PDUs themselves.
func (t *UpperTransport) SetupAccessPDUHeader(pdu *mesh.AccessPDU, netkeyIndex, appkeyIndex uint16, ttl uint8, src, dst uint16, szmic bool) error {
	key := t.keys.TransportKey(appkeyIndex)
	if key == nil {
		return fmt.Errorf("%w: %v", ErrUnknownAppKey, appkeyIndex)
	}
	networkKey := t.keys.NetworkKey(netkeyIndex)
	if networkKey == nil {
		return fmt.Errorf("%w: %v", ErrUnknownNetKey, netkeyIndex)
	}

	pdu.PDUType = mesh.PDUTypeAccess
	pdu.TransMICLen = 4
	if szmic {
		pdu.TransMICLen = 8
	}
	pdu.NetkeyIndex = netkeyIndex
	pdu.AppkeyIndex = appkeyIndex
	pdu.AkfAid = key.AkfAid()
	pdu.NetworkHeader.SetIviNid(networkKey.NID | uint8(t.seq.IVIndexForTX()&1)<<7)
	pdu.NetworkHeader.SetCtlTtl(ttl & 0x7f)
	pdu.NetworkHeader.SetSrc(src)
	pdu.NetworkHeader.SetDst(dst)
	return nil
}
