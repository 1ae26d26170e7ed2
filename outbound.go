package btmesh

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gaoheyang/btmesh/pkg/mesh"
)

// SendAccessPDU queues an upper access PDU, previously prepared with
// SetupAccessPDU, for encryption and transmission. The PDU is owned by
// the transport until its CallbackPDUSent callback.
func (t *UpperTransport) SendAccessPDU(pdu mesh.PDU) {
	switch pdu.Header().PDUType {
	case mesh.PDUTypeUpperSegmentedAccess, mesh.PDUTypeUpperUnsegmentedAccess:
	default:
		panic(fmt.Sprintf("btmesh: SendAccessPDU on PDU of type %v", pdu.Header().PDUType))
	}
	if pdu.(*mesh.UpperPDU).LowerPDU != nil {
		panic("btmesh: access PDU already has a carrier attached")
	}

	t.outgoing = append(t.outgoing, pdu)
	t.run()
}

// SendControlPDU queues a control PDU, previously prepared with
// SetupControlPDU, for transmission.
func (t *UpperTransport) SendControlPDU(pdu mesh.PDU) {
	switch pdu.Header().PDUType {
	case mesh.PDUTypeUpperSegmentedControl:
	case mesh.PDUTypeUpperUnsegmentedControl:
		if pdu.(*mesh.NetworkPDU).Len < mesh.NetworkHeaderSize+1 {
			panic("btmesh: unsegmented control PDU too short")
		}
	default:
		panic(fmt.Sprintf("btmesh: SendControlPDU on PDU of type %v", pdu.Header().PDUType))
	}

	t.outgoing = append(t.outgoing, pdu)
	t.run()
}

// runOutgoing drains the outgoing queue while the crypto engine is free
// and the lower transport accepts traffic for the head's destination.
// Allocation failures leave the head in place; a later sent-completion
// refills the pools and reschedules.
func (t *UpperTransport) runOutgoing() {
	for len(t.outgoing) > 0 {
		if t.cryptoActive {
			return
		}

		pdu := t.outgoing[0]
		if !t.lower.CanSendToDest(pduDst(pdu)) {
			return
		}

		switch pdu.Header().PDUType {
		case mesh.PDUTypeUpperUnsegmentedControl:
			// Control PDUs are already packed; they go through directly.
			t.outgoing = t.outgoing[1:]
			t.sendUnsegmentedControl(pdu.(*mesh.NetworkPDU))

		case mesh.PDUTypeUpperSegmentedControl:
			upper := pdu.(*mesh.UpperPDU)
			if upper.LowerPDU == nil {
				segmented := t.pools.GetSegmentedPDU()
				if segmented == nil {
					allocationDeferrals.Inc()
					return
				}
				upper.LowerPDU = segmented
			}
			t.outgoing = t.outgoing[1:]
			t.sendSegmentedControl(upper)

		case mesh.PDUTypeUpperSegmentedAccess:
			// A segmented access send needs a segmented carrier plus
			// enough network buffers for ciphertext and TransMIC.
			upper := pdu.(*mesh.UpperPDU)
			if upper.LowerPDU == nil {
				segmented := t.pools.GetSegmentedPDU()
				if segmented == nil {
					allocationDeferrals.Inc()
					return
				}
				upper.LowerPDU = segmented
			}
			segmented := upper.LowerPDU.(*mesh.SegmentedPDU)
			if !t.pools.AllocateSegments(&segmented.Segments, upper.Len+uint16(upper.TransMICLen)) {
				allocationDeferrals.Inc()
				return
			}
			t.outgoing = t.outgoing[1:]
			t.sendAccess(upper)

		case mesh.PDUTypeUpperUnsegmentedAccess:
			upper := pdu.(*mesh.UpperPDU)
			if upper.LowerPDU == nil {
				network := t.pools.GetNetworkPDU()
				if network == nil {
					allocationDeferrals.Inc()
					return
				}
				upper.LowerPDU = network
			}
			t.outgoing = t.outgoing[1:]
			t.sendAccess(upper)

		default:
			panic(fmt.Sprintf("btmesh: unexpected outbound PDU type %v", pdu.Header().PDUType))
		}
	}
}

func (t *UpperTransport) sendUnsegmentedControl(network *mesh.NetworkPDU) {
	t.lower.ReserveSlot()
	seq := t.seq.NextSequenceNumber()
	sequenceNumbersReserved.Inc()
	network.SetSeq(seq)

	t.log.WithFields(logrus.Fields{
		"seq":    fmt.Sprintf("%#06x", seq),
		"opcode": fmt.Sprintf("%#02x", network.Data[mesh.NetworkHeaderSize]),
	}).Debug("sending unsegmented control PDU")

	t.lower.SendPDU(network)
}

func (t *UpperTransport) sendSegmentedControl(upper *mesh.UpperPDU) {
	t.lower.ReserveSlot()
	seq := t.seq.NextSequenceNumber()
	sequenceNumbersReserved.Inc()
	upper.Flags |= mesh.FlagSeqReserved
	upper.Seq = seq

	segmented := upper.LowerPDU.(*mesh.SegmentedPDU)

	// Move the plaintext segments to the carrier; the sent callback
	// returns them to the pool.
	segmented.Segments = upper.Segments
	upper.Segments = nil

	segmented.Len = upper.Len
	segmented.NetkeyIndex = upper.NetkeyIndex
	segmented.TransMICLen = 0 // control PDUs carry no TransMIC
	segmented.AkfAidOpcode = upper.AkfAidOpcode
	segmented.Flags = upper.Flags
	t.storeUpperHeader(upper, &segmented.NetworkHeader)

	t.log.WithFields(logrus.Fields{
		"seq":    fmt.Sprintf("%#06x", seq),
		"opcode": fmt.Sprintf("%#02x", upper.AkfAidOpcode),
	}).Debug("sending segmented control PDU")

	t.active = append(t.active, upper)
	t.lower.SendPDU(segmented)
}

// sendAccess runs the access-encrypt subroutine: virtual address
// resolution, key selection, sequence reservation and the CCM chain.
func (t *UpperTransport) sendAccess(upper *mesh.UpperPDU) {
	aadLen := uint16(0)
	var virtualAddress *mesh.VirtualAddress
	if mesh.IsVirtualAddress(upper.Dst) {
		// The access layer addresses virtual destinations by pseudo
		// destination; the wire carries the 16-bit hash.
		virtualAddress = t.virtual.VirtualAddressForPseudoDst(upper.Dst)
		if virtualAddress == nil {
			t.log.WithField("pseudo_dst", fmt.Sprintf("%#04x", upper.Dst)).
				Warn("no virtual address registered, dropping send")
			sendFailures.Inc()
			t.accessHandler(CallbackPDUSent, StatusSendFailed, upper)
			return
		}
		aadLen = 16
		upper.Dst = virtualAddress.Hash
	}

	key := t.outgoingAppKey(upper.NetkeyIndex, upper.AppkeyIndex)
	if key == nil {
		t.log.WithField("appkey_index", upper.AppkeyIndex).
			Warn("appkey not found, dropping send")
		sendFailures.Inc()
		t.accessHandler(CallbackPDUSent, StatusSendFailed, upper)
		return
	}

	t.lower.ReserveSlot()
	seq := t.seq.NextSequenceNumber()
	sequenceNumbersReserved.Inc()
	upper.Flags |= mesh.FlagSeqReserved
	upper.Seq = seq

	// The crypto gate also reserves the shared scratch buffer the
	// plaintext is flattened into.
	t.cryptoActive = true
	flattened := mesh.FlattenUpper(upper, t.sharedAccess.Data[:])
	if uint16(flattened) != upper.Len {
		panic("btmesh: upper PDU length disagrees with its segments")
	}

	device := upper.AppkeyIndex == mesh.DeviceKeyIndex
	t.nonce = mesh.UpperNonce(device, upper, t.seq.IVIndex())

	t.log.WithFields(logrus.Fields{
		"dst":     fmt.Sprintf("%#04x", upper.Dst),
		"seq":     fmt.Sprintf("%#06x", upper.Seq),
		"payload": fmt.Sprintf("%x", t.sharedAccess.Data[:upper.Len]),
	}).Debug("sending access PDU")

	t.ccm.Init(key.Key[:], t.nonce[:], upper.Len, aadLen, upper.TransMICLen)
	if virtualAddress != nil {
		t.ccm.Digest(virtualAddress.LabelUUID[:], func() { t.sendAccessDigestDone(upper) })
	} else {
		t.sendAccessDigestDone(upper)
	}
}

func (t *UpperTransport) sendAccessDigestDone(upper *mesh.UpperPDU) {
	buf := t.sharedAccess.Data[:upper.Len]
	t.ccm.EncryptBlock(upper.Len, buf, buf, func() { t.sendAccessCCMDone(upper) })
}

// sendAccessCCMDone appends the TransMIC and emits the ciphertext via
// the unsegmented or segmented helper.
func (t *UpperTransport) sendAccessCCMDone(upper *mesh.UpperPDU) {
	t.cryptoActive = false

	t.ccm.AuthenticationValue(t.sharedAccess.Data[upper.Len:])
	upper.Len += uint16(upper.TransMICLen)

	switch upper.Header().PDUType {
	case mesh.PDUTypeUpperUnsegmentedAccess:
		t.sendAccessUnsegmented(upper)
	case mesh.PDUTypeUpperSegmentedAccess:
		t.sendAccessSegmented(upper)
	default:
		panic(fmt.Sprintf("btmesh: unexpected PDU type %v after encrypt", upper.Header().PDUType))
	}
}

func (t *UpperTransport) sendAccessUnsegmented(upper *mesh.UpperPDU) {
	network := upper.LowerPDU.(*mesh.NetworkPDU)

	// The carrier masquerades as the upper variant so the sent callback
	// can be dispatched without a reverse lookup by the lower transport.
	network.PDUType = mesh.PDUTypeUpperUnsegmentedAccess
	network.NetkeyIndex = upper.NetkeyIndex
	network.Flags = 0

	var h mesh.NetworkHeader
	t.storeUpperHeader(upper, &h)
	copy(network.Data[:mesh.NetworkHeaderSize], h[:])

	if upper.Len >= 15 {
		panic("btmesh: unsegmented access payload exceeds carrier")
	}
	network.Data[mesh.NetworkHeaderSize] = upper.AkfAidOpcode
	copy(network.Data[mesh.NetworkHeaderSize+1:], t.sharedAccess.Data[:upper.Len])
	network.Len = uint16(mesh.NetworkHeaderSize) + 1 + upper.Len

	t.active = append(t.active, upper)
	t.lower.SendPDU(network)
}

func (t *UpperTransport) sendAccessSegmented(upper *mesh.UpperPDU) {
	segmented := upper.LowerPDU.(*mesh.SegmentedPDU)

	// Re-home the ciphertext from the scratch buffer into the segment
	// buffers reserved by the scheduler.
	free := segmented.Segments
	segmented.Segments = nil
	mesh.StorePayload(t.sharedAccess.Data[:upper.Len], &free, &segmented.Segments)

	segmented.Len = upper.Len
	segmented.NetkeyIndex = upper.NetkeyIndex
	segmented.TransMICLen = upper.TransMICLen
	segmented.AkfAidOpcode = upper.AkfAidOpcode
	segmented.Flags = upper.Flags
	t.storeUpperHeader(upper, &segmented.NetworkHeader)

	t.active = append(t.active, upper)
	t.lower.SendPDU(segmented)
}

func (t *UpperTransport) storeUpperHeader(upper *mesh.UpperPDU, h *mesh.NetworkHeader) {
	h.SetIviNid(upper.IviNid)
	h.SetCtlTtl(upper.CtlTtl)
	h.SetSeq(upper.Seq)
	h.SetSrc(upper.Src)
	h.SetDst(upper.Dst)
}

// outgoingAppKey resolves the key for an outgoing send, honoring the
// subnet's key refresh phase: while an old key exists, the new key is
// used only in the second phase.
func (t *UpperTransport) outgoingAppKey(netkeyIndex, appkeyIndex uint16) *mesh.TransportKey {
	// The device key is fixed.
	if appkeyIndex == mesh.DeviceKeyIndex {
		return t.keys.TransportKey(appkeyIndex)
	}

	subnet := t.keys.Subnet(netkeyIndex)
	if subnet == nil {
		return nil
	}

	var oldKey, newKey *mesh.TransportKey
	it := t.keys.TransportKeys(netkeyIndex)
	for it.HasMore() {
		key := it.Next()
		if key.AppkeyIndex != appkeyIndex {
			continue
		}
		if key.OldKey {
			oldKey = key
		} else {
			newKey = key
		}
	}

	if oldKey == nil {
		return newKey
	}
	if subnet.KeyRefresh == mesh.KeyRefreshSecondPhase && newKey != nil {
		return newKey
	}
	return oldKey
}

// findPDUForLower locates the active upper PDU whose carrier is lower
// and removes it from the active queue.
func (t *UpperTransport) findPDUForLower(lower mesh.PDU) *mesh.UpperPDU {
	for i, pdu := range t.active {
		upper, ok := pdu.(*mesh.UpperPDU)
		if !ok {
			continue
		}
		if upper.LowerPDU == lower {
			t.active = append(t.active[:i], t.active[i+1:]...)
			return upper
		}
	}
	return nil
}

// pduSent correlates a lower transport completion back to the upper PDU,
// releases the carrier buffers and notifies the originator.
func (t *UpperTransport) pduSent(status Status, pdu mesh.PDU) {
	switch pdu.Header().PDUType {
	case mesh.PDUTypeSegmented:
		upper := t.findPDUForLower(pdu)
		if upper == nil {
			panic("btmesh: sent segmented carrier matches no active PDU")
		}
		segmented := pdu.(*mesh.SegmentedPDU)
		t.freeSegments(&segmented.Segments)
		t.pools.FreeSegmentedPDU(segmented)
		upper.LowerPDU = nil
		pdusSent.Inc()

		switch upper.Header().PDUType {
		case mesh.PDUTypeUpperSegmentedControl:
			t.controlHandler(CallbackPDUSent, status, upper)
		case mesh.PDUTypeUpperSegmentedAccess:
			t.accessHandler(CallbackPDUSent, status, upper)
		default:
			panic(fmt.Sprintf("btmesh: segmented carrier owned by PDU of type %v", upper.Header().PDUType))
		}

	case mesh.PDUTypeUpperUnsegmentedAccess:
		upper := t.findPDUForLower(pdu)
		if upper == nil {
			panic("btmesh: sent access carrier matches no active PDU")
		}
		t.pools.FreeNetworkPDU(pdu.(*mesh.NetworkPDU))
		upper.LowerPDU = nil
		pdusSent.Inc()
		t.accessHandler(CallbackPDUSent, status, upper)

	case mesh.PDUTypeUpperUnsegmentedControl:
		// The packed network PDU goes straight back to its originator.
		pdusSent.Inc()
		t.controlHandler(CallbackPDUSent, status, pdu)

	default:
		panic(fmt.Sprintf("btmesh: unexpected sent PDU type %v", pdu.Header().PDUType))
	}

	t.run()
}
