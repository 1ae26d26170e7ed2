package btmesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaoheyang/btmesh/internal/ccm"
	"github.com/gaoheyang/btmesh/pkg/mesh"
)

// fakeLower is a scripted lower transport. Tests inject arrivals with
// receive and acknowledge emissions with confirmSent.
type fakeLower struct {
	handler      Handler
	sent         []mesh.PDU
	processed    []mesh.PDU
	reservations int
	blocked      map[uint16]bool
}

func (f *fakeLower) SendPDU(pdu mesh.PDU) { f.sent = append(f.sent, pdu) }

func (f *fakeLower) ReserveSlot() { f.reservations++ }

func (f *fakeLower) CanSendToDest(dst uint16) bool { return !f.blocked[dst] }

func (f *fakeLower) MessageProcessedByHigherLayer(pdu mesh.PDU) {
	f.processed = append(f.processed, pdu)
}

func (f *fakeLower) SetHigherLayerHandler(h Handler) { f.handler = h }

func (f *fakeLower) receive(pdu mesh.PDU) {
	f.handler(CallbackPDUReceived, StatusSuccess, pdu)
}

func (f *fakeLower) confirmSent(pdu mesh.PDU) {
	f.handler(CallbackPDUSent, StatusSuccess, pdu)
}

// strictCCM fails the test if a second operation starts while one is in
// flight, the core concurrency invariant of the transport.
type strictCCM struct {
	*ccm.Engine
	t        *testing.T
	inFlight bool
	ops      int
}

func (s *strictCCM) Init(key []byte, nonce []byte, length uint16, aadLen uint16, micLen uint8) {
	if s.inFlight {
		s.t.Error("nested CCM operation")
	}
	s.inFlight = true
	s.ops++
	s.Engine.Init(key, nonce, length, aadLen, micLen)
}

func (s *strictCCM) AuthenticationValue(tag []byte) {
	s.Engine.AuthenticationValue(tag)
	s.inFlight = false
}

type sentEvent struct {
	status Status
	pdu    mesh.PDU
}

// env wires an UpperTransport to fakes and records everything the
// registered handlers observe. Received PDUs are copied out of the
// shared singletons and released immediately.
type env struct {
	t         *testing.T
	lower     *fakeLower
	keys      *mesh.MemoryKeyStore
	virtual   *mesh.MemoryVirtualAddressStore
	seq       *mesh.MemorySequence
	ccm       *strictCCM
	transport *UpperTransport

	accessReceived  []mesh.AccessPDU
	controlReceived []mesh.ControlPDU
	accessSent      []sentEvent
	controlSent     []sentEvent
}

func newEnv(t *testing.T, opts ...Option) *env {
	e := &env{
		t:       t,
		lower:   &fakeLower{blocked: map[uint16]bool{}},
		keys:    &mesh.MemoryKeyStore{},
		virtual: &mesh.MemoryVirtualAddressStore{},
		seq:     &mesh.MemorySequence{},
		ccm:     &strictCCM{Engine: ccm.New(), t: t},
	}
	opts = append([]Option{WithCCMEngine(e.ccm)}, opts...)
	e.transport = New(e.lower, e.keys, e.virtual, e.seq, opts...)
	e.transport.Init()

	e.transport.RegisterAccessMessageHandler(func(callbackType CallbackType, status Status, pdu mesh.PDU) {
		switch callbackType {
		case CallbackPDUReceived:
			e.accessReceived = append(e.accessReceived, *pdu.(*mesh.AccessPDU))
			e.transport.MessageProcessedByHigherLayer(pdu)
		case CallbackPDUSent:
			e.accessSent = append(e.accessSent, sentEvent{status, pdu})
		}
	})
	e.transport.RegisterControlMessageHandler(func(callbackType CallbackType, status Status, pdu mesh.PDU) {
		switch callbackType {
		case CallbackPDUReceived:
			e.controlReceived = append(e.controlReceived, *pdu.(*mesh.ControlPDU))
			e.transport.MessageProcessedByHigherLayer(pdu)
		case CallbackPDUSent:
			e.controlSent = append(e.controlSent, sentEvent{status, pdu})
		}
	})
	return e
}

// addAppKey registers an application key under netkey 0 and returns it.
func (e *env) addAppKey(appkeyIndex uint16, aid uint8, keyByte byte) *mesh.TransportKey {
	key := &mesh.TransportKey{
		AppkeyIndex: appkeyIndex,
		NetkeyIndex: 0,
		AKF:         true,
		AID:         aid,
	}
	for i := range key.Key {
		key.Key[i] = keyByte
	}
	e.keys.AddKey(key)
	return key
}

func (e *env) addDeviceKey(keyByte byte) *mesh.TransportKey {
	key := &mesh.TransportKey{AppkeyIndex: mesh.DeviceKeyIndex}
	for i := range key.Key {
		key.Key[i] = keyByte
	}
	e.keys.AddKey(key)
	return key
}

func (e *env) addNetKey() {
	e.keys.AddNetworkKey(&mesh.NetworkKey{NetkeyIndex: 0, NID: 0x68})
}

// encryptPayload produces ciphertext||TransMIC for the given parameters,
// the inverse of what the inbound pipeline computes.
func encryptPayload(t *testing.T, key *mesh.TransportKey, header mesh.NetworkHeader, ivIndex uint32, micLen uint8, label *mesh.VirtualAddress, payload []byte) []byte {
	t.Helper()
	nonce := mesh.AccessNonce(!key.AKF, micLen, header, ivIndex)

	buf := make([]byte, len(payload)+int(micLen))
	copy(buf, payload)

	aadLen := uint16(0)
	if label != nil {
		aadLen = 16
	}
	engine := ccm.New()
	engine.Init(key.Key[:], nonce[:], uint16(len(payload)), aadLen, micLen)
	if label != nil {
		engine.Digest(label.LabelUUID[:], func() {})
	}
	engine.EncryptBlock(uint16(len(payload)), buf[:len(payload)], buf[:len(payload)], func() {})
	engine.AuthenticationValue(buf[len(payload):])
	return buf
}

func accessHeader(ttl uint8, seq uint32, src, dst uint16) mesh.NetworkHeader {
	var h mesh.NetworkHeader
	h.SetIviNid(0x68)
	h.SetCtlTtl(ttl & 0x7f)
	h.SetSeq(seq)
	h.SetSrc(src)
	h.SetDst(dst)
	return h
}

// buildUnsegmentedAccess assembles an inbound unsegmented access network
// PDU encrypted under key.
func buildUnsegmentedAccess(t *testing.T, key *mesh.TransportKey, header mesh.NetworkHeader, ivIndex uint32, payload []byte) *mesh.NetworkPDU {
	t.Helper()
	ct := encryptPayload(t, key, header, ivIndex, 4, nil, payload)

	pdu := &mesh.NetworkPDU{}
	copy(pdu.Data[:mesh.NetworkHeaderSize], header[:])
	pdu.Data[mesh.NetworkHeaderSize] = key.AkfAid()
	copy(pdu.Data[mesh.NetworkHeaderSize+1:], ct)
	pdu.Len = uint16(mesh.NetworkHeaderSize + 1 + len(ct))
	return pdu
}

// buildSegmentedAccess assembles an inbound reassembled segmented access
// PDU encrypted under key, optionally with a virtual-destination label.
func buildSegmentedAccess(t *testing.T, key *mesh.TransportKey, header mesh.NetworkHeader, ivIndex uint32, micLen uint8, label *mesh.VirtualAddress, payload []byte) *mesh.SegmentedPDU {
	t.Helper()
	ct := encryptPayload(t, key, header, ivIndex, micLen, label, payload)

	pdu := &mesh.SegmentedPDU{
		PDUHeader:     mesh.PDUHeader{PDUType: mesh.PDUTypeSegmented},
		Len:           uint16(len(ct)),
		NetkeyIndex:   0,
		TransMICLen:   micLen,
		AkfAidOpcode:  key.AkfAid(),
		NetworkHeader: header,
	}
	pdu.Segments = wireSegments(header, ct, mesh.AccessSegmentLen)
	return pdu
}

// wireSegments splits data into lower transport wire segments with
// consecutive SEG_O values.
func wireSegments(header mesh.NetworkHeader, data []byte, segLen int) []*mesh.NetworkPDU {
	var segments []*mesh.NetworkPDU
	for off, segO := 0, 0; off < len(data); off, segO = off+segLen, segO+1 {
		end := off + segLen
		if end > len(data) {
			end = len(data)
		}
		seg := &mesh.NetworkPDU{}
		copy(seg.Data[:mesh.NetworkHeaderSize], header[:])
		seg.Data[11] = uint8(uint16(segO) << 5 >> 8)
		seg.Data[12] = uint8(uint16(segO) << 5)
		n := copy(seg.Data[13:], data[off:end])
		seg.Len = uint16(13 + n)
		segments = append(segments, seg)
	}
	return segments
}

func TestResetClearsPendingWork(t *testing.T) {
	e := newEnv(t)
	pdu := e.transport.Pools().GetNetworkPDU()
	require.NotNil(t, pdu)

	e.transport.cryptoActive = true
	e.transport.incoming = append(e.transport.incoming, pdu)

	e.transport.Reset()

	assert.False(t, e.transport.cryptoActive)
	assert.Empty(t, e.transport.incoming)
	assert.Equal(t, mesh.DefaultNetworkPDUs, e.transport.Pools().NetworkPDUsAvailable())
}

func TestBackpressureHoldsHeadOfQueue(t *testing.T) {
	e := newEnv(t)
	e.addNetKey()
	e.addDeviceKey(0x11)
	e.lower.blocked[0x0002] = true

	upper := &mesh.UpperPDU{}
	require.NoError(t, e.transport.SetupAccessPDU(upper, 0, mesh.DeviceKeyIndex, 10, 0x0001, 0x0002, false, []byte{1, 2, 3}))
	e.transport.SendAccessPDU(upper)

	assert.Empty(t, e.lower.sent, "blocked destination must not emit")
	assert.Zero(t, e.seq.Seq, "no sequence number while blocked")

	e.lower.blocked[0x0002] = false
	e.transport.run()

	require.Len(t, e.lower.sent, 1)
	assert.EqualValues(t, 1, e.seq.Seq)
}
