package btmesh

import (
	"crypto/subtle"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gaoheyang/btmesh/pkg/mesh"
)

// messageReceived appends a lower transport carrier to the incoming
// queue and kicks the scheduler.
func (t *UpperTransport) messageReceived(pdu mesh.PDU) {
	pdusReceived.Inc()
	t.incoming = append(t.incoming, pdu)
	t.run()
}

// runIncoming classifies queued arrivals one per iteration, stopping
// while a crypto operation is in flight.
func (t *UpperTransport) runIncoming() {
	for len(t.incoming) > 0 {
		if t.cryptoActive {
			return
		}

		pdu := t.incoming[0]
		t.incoming = t.incoming[1:]

		switch p := pdu.(type) {
		case *mesh.NetworkPDU:
			if p.Ctl() {
				t.deliverUnsegmentedControl(p)
			} else {
				t.startUnsegmentedAccess(p)
			}
		case *mesh.SegmentedPDU:
			if p.NetworkHeader.Ctl() {
				t.deliverSegmentedControl(p)
			} else {
				t.startSegmentedAccess(p)
			}
		default:
			panic(fmt.Sprintf("btmesh: unexpected inbound PDU type %v", pdu.Header().PDUType))
		}
	}
}

// deliverUnsegmentedControl repackages an unsegmented control PDU and
// hands it to the control handler. The carrier is released before
// delivery; the control buffer itself is released when the handler calls
// MessageProcessedByHigherLayer.
func (t *UpperTransport) deliverUnsegmentedControl(p *mesh.NetworkPDU) {
	c := &t.sharedControl
	*c = mesh.ControlPDU{PDUHeader: mesh.PDUHeader{PDUType: mesh.PDUTypeControl}}

	lower := p.LowerTransportPDU()
	c.Opcode = lower[0]
	c.Len = p.Len - uint16(mesh.NetworkHeaderSize+1)
	copy(c.Data[:], lower[1:])
	c.NetkeyIndex = p.NetkeyIndex
	c.NetworkHeader = p.NetworkHeader()
	t.incomingControl = c

	t.log.WithFields(logrus.Fields{
		"opcode":  fmt.Sprintf("%#02x", c.Opcode),
		"payload": fmt.Sprintf("%x", c.Payload()),
	}).Debug("control PDU received")

	t.lower.MessageProcessedByHigherLayer(p)

	if t.controlHandler == nil {
		panic("btmesh: no control message handler registered")
	}
	t.controlHandler(CallbackPDUReceived, StatusSuccess, c)
}

// deliverSegmentedControl flattens a reassembled control PDU and hands
// it to the control handler.
func (t *UpperTransport) deliverSegmentedControl(p *mesh.SegmentedPDU) {
	c := &t.sharedControl
	*c = mesh.ControlPDU{PDUHeader: mesh.PDUHeader{PDUType: mesh.PDUTypeControl}}

	mesh.FlattenSegments(p.Segments, mesh.ControlSegmentLen, c.Data[:])
	c.Len = p.Len
	c.NetkeyIndex = p.NetkeyIndex
	c.Opcode = p.AkfAidOpcode
	c.NetworkHeader = p.NetworkHeader
	t.incomingControl = c

	t.log.WithFields(logrus.Fields{
		"opcode":  fmt.Sprintf("%#02x", c.Opcode),
		"payload": fmt.Sprintf("%x", c.Payload()),
	}).Debug("segmented control PDU received")

	t.lower.MessageProcessedByHigherLayer(p)

	if t.controlHandler == nil {
		panic("btmesh: no control message handler registered")
	}
	t.controlHandler(CallbackPDUReceived, StatusSuccess, c)
}

// startUnsegmentedAccess assembles the ciphertext of an unsegmented
// access PDU into the encrypted singleton and starts decryption. The
// unsegmented wire format has no SZMIC bit; the TransMIC is 4 bytes.
func (t *UpperTransport) startUnsegmentedAccess(p *mesh.NetworkPDU) {
	t.incomingAccessEncrypted = p

	e := &t.encryptedAccess
	*e = mesh.AccessPDU{PDUHeader: mesh.PDUHeader{PDUType: mesh.PDUTypeAccess}}
	e.NetkeyIndex = p.NetkeyIndex
	e.TransMICLen = 4

	lower := p.LowerTransportPDU()
	e.AkfAid = lower[0]
	e.Len = p.Len - uint16(mesh.NetworkHeaderSize+1)
	copy(e.Data[:], lower[1:])
	e.NetworkHeader = p.NetworkHeader()

	t.processAccessMessage()
}

// startSegmentedAccess flattens reassembled access ciphertext into the
// encrypted singleton and starts decryption.
func (t *UpperTransport) startSegmentedAccess(p *mesh.SegmentedPDU) {
	t.incomingAccessEncrypted = p

	e := &t.encryptedAccess
	*e = mesh.AccessPDU{PDUHeader: mesh.PDUHeader{PDUType: mesh.PDUTypeAccess}}
	mesh.FlattenSegments(p.Segments, mesh.AccessSegmentLen, e.Data[:])
	e.Len = p.Len
	e.NetkeyIndex = p.NetkeyIndex
	e.TransMICLen = p.TransMICLen
	e.AkfAid = p.AkfAidOpcode
	e.NetworkHeader = p.NetworkHeader

	t.processAccessMessage()
}

// processAccessMessage seeds the decrypted singleton from the assembled
// ciphertext and initialises the key x address candidate iterator.
func (t *UpperTransport) processAccessMessage() {
	t.sharedAccess = t.encryptedAccess

	d := &t.sharedAccess
	t.log.WithFields(logrus.Fields{
		"dst": fmt.Sprintf("%#04x", d.NetworkHeader.Dst()),
		"akf": d.AKF(),
		"aid": fmt.Sprintf("%#02x", d.AID()),
	}).Debug("access PDU received, selecting decryption candidates")

	t.keyIt.init(t.keys, t.virtual, d.NetworkHeader.Dst(), d.NetkeyIndex, d.AKF(), d.AID())
	t.validateNext()
}

// validateNext attempts decryption with the next candidate pair. Each
// call is one asynchronous step of the validate loop.
func (t *UpperTransport) validateNext() {
	d := &t.sharedAccess

	if !t.keyIt.hasMore() {
		t.log.Debug("no matching transport key for access PDU")
		decryptFailures.Inc()
		t.processAccessMessageDone()
		return
	}
	t.keyIt.next()
	key := t.keyIt.key

	t.nonce = mesh.AccessNonce(!key.AKF, d.TransMICLen, t.encryptedAccess.NetworkHeader, t.seq.IVIndex())

	// Remember the candidate's index; it becomes the PDU's appkey index
	// when the TransMIC verifies.
	d.AppkeyIndex = key.AppkeyIndex

	t.cryptoActive = true
	cipherLen := d.Len - uint16(d.TransMICLen)
	aadLen := uint16(0)
	if mesh.IsVirtualAddress(d.NetworkHeader.Dst()) {
		aadLen = 16
	}

	decryptAttempts.Inc()
	t.ccm.Init(key.Key[:], t.nonce[:], cipherLen, aadLen, d.TransMICLen)
	if aadLen > 0 {
		t.ccm.Digest(t.keyIt.address.LabelUUID[:], t.validateDigestDone)
	} else {
		t.validateDigestDone()
	}
}

func (t *UpperTransport) validateDigestDone() {
	d := &t.sharedAccess
	cipherLen := d.Len - uint16(d.TransMICLen)
	t.ccm.DecryptBlock(cipherLen, t.encryptedAccess.Data[:cipherLen], d.Data[:cipherLen], t.validateCCMDone)
}

// validateCCMDone compares the computed TransMIC against the received
// one and either delivers, retries with the next candidate, or gives up.
func (t *UpperTransport) validateCCMDone() {
	d := &t.sharedAccess
	plainLen := d.Len - uint16(d.TransMICLen)

	var tag [8]byte
	t.ccm.AuthenticationValue(tag[:])

	// The decrypted singleton was seeded with a copy of the ciphertext,
	// so the received TransMIC still sits behind the plaintext.
	if subtle.ConstantTimeCompare(tag[:d.TransMICLen], d.Data[plainLen:d.Len]) == 1 {
		d.Len = plainLen

		// A virtual destination becomes visible to the access layer as
		// the pseudo destination of the label UUID that authenticated.
		if mesh.IsVirtualAddress(d.NetworkHeader.Dst()) {
			d.NetworkHeader.SetDst(t.keyIt.address.PseudoDst)
		}

		t.log.WithFields(logrus.Fields{
			"appkey_index": d.AppkeyIndex,
			"payload":      fmt.Sprintf("%x", d.Payload()),
		}).Debug("TransMIC verified, delivering access PDU")

		if t.accessHandler == nil {
			panic("btmesh: no access message handler registered")
		}
		t.accessHandler(CallbackPDUReceived, StatusSuccess, d)
		return
	}

	if d.AKF() {
		// Any number of application keys can share the AID; try the next
		// candidate.
		t.log.Debug("TransMIC mismatch, trying next candidate")
		t.validateNext()
		return
	}

	// The device key is unique per peer; a mismatch is final.
	t.log.Debug("TransMIC mismatch with device key, giving up")
	decryptFailures.Inc()
	t.processAccessMessageDone()
}

// processAccessMessageDone releases the crypto gate and the borrowed
// carrier, then reschedules.
func (t *UpperTransport) processAccessMessageDone() {
	t.cryptoActive = false
	t.lower.MessageProcessedByHigherLayer(t.incomingAccessEncrypted)
	t.incomingAccessEncrypted = nil
	t.run()
}

// processControlMessageDone releases the control singleton and
// reschedules.
func (t *UpperTransport) processControlMessageDone() {
	t.cryptoActive = false
	t.incomingControl = nil
	t.run()
}

// MessageProcessedByHigherLayer releases an inbound access or control
// PDU previously delivered to a handler and unblocks the pipeline.
func (t *UpperTransport) MessageProcessedByHigherLayer(pdu mesh.PDU) {
	switch pdu.Header().PDUType {
	case mesh.PDUTypeAccess:
		t.processAccessMessageDone()
	case mesh.PDUTypeControl:
		t.processControlMessageDone()
	default:
		panic(fmt.Sprintf("btmesh: cannot release PDU of type %v", pdu.Header().PDUType))
	}
}
