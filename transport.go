// Package btmesh implements the upper transport layer of a Bluetooth
// Mesh node: application-level encryption and authentication of access
// payloads, access/control multiplexing, and the cooperative scheduling
// of both directions around a single asynchronous AES-CCM engine.
// pkg/mesh provides the wire model; this package makes it run.
package btmesh

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gaoheyang/btmesh/internal/ccm"
	"github.com/gaoheyang/btmesh/pkg/mesh"
)

// CallbackType distinguishes the events delivered to the registered
// access and control handlers and to the lower transport handler.
type CallbackType uint8

const (
	CallbackPDUReceived CallbackType = iota
	CallbackPDUSent
)

// Status qualifies a callback.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusSendFailed
)

// Handler receives transport events. For CallbackPDUReceived the PDU is
// an AccessPDU or ControlPDU owned by the transport until
// MessageProcessedByHigherLayer is called; for CallbackPDUSent it is the
// upper PDU handed to SendAccessPDU/SendControlPDU, returned to its
// originator.
type Handler func(callbackType CallbackType, status Status, pdu mesh.PDU)

// LowerTransport is the segmentation/reassembly layer below. It owns
// inbound carriers until MessageProcessedByHigherLayer and takes
// ownership of outbound carriers from SendPDU until the sent callback.
type LowerTransport interface {
	// SendPDU submits a carrier for transmission. Completion is signalled
	// through the handler registered with SetHigherLayerHandler.
	SendPDU(pdu mesh.PDU)

	// ReserveSlot reserves a transmission slot. Called before a sequence
	// number is reserved for the PDU that will occupy it.
	ReserveSlot()

	// CanSendToDest reports per-destination backpressure; while false the
	// outbound scheduler leaves the head of queue in place.
	CanSendToDest(dst uint16) bool

	// MessageProcessedByHigherLayer releases an inbound carrier.
	MessageProcessedByHigherLayer(pdu mesh.PDU)

	// SetHigherLayerHandler registers the callback receiving
	// CallbackPDUReceived and CallbackPDUSent events.
	SetHigherLayerHandler(h Handler)
}

// CCMEngine is the asynchronous AES-CCM contract. Exactly one operation
// sequence (Init .. AuthenticationValue) is in flight at any instant;
// the transport guarantees this with its crypto gate. Callbacks may run
// synchronously.
type CCMEngine interface {
	Init(key []byte, nonce []byte, length uint16, aadLen uint16, micLen uint8)
	Digest(aad []byte, done func())
	EncryptBlock(length uint16, in, out []byte, done func())
	DecryptBlock(length uint16, in, out []byte, done func())
	AuthenticationValue(tag []byte)
}

// Errors returned by the setup operations.
var (
	ErrPayloadTooLong = errors.New("payload exceeds PDU limit")
	ErrUnknownNetKey  = errors.New("netkey index not found")
	ErrUnknownAppKey  = errors.New("appkey index not found")
	ErrPoolExhausted  = errors.New("PDU pools exhausted")
)

// UpperTransport is the upper transport engine. All methods must be
// called from a single event loop; the engine performs no locking.
type UpperTransport struct {
	lower   LowerTransport
	keys    mesh.KeyStore
	virtual mesh.VirtualAddressStore
	seq     mesh.SequenceProvider

	ccm   CCMEngine
	pools *mesh.Pools
	log   logrus.FieldLogger

	accessHandler  Handler
	controlHandler Handler

	// cryptoActive is the mutex for the shared CCM engine and the shared
	// plaintext scratch buffer. While set, both schedulers self-gate.
	cryptoActive bool
	nonce        mesh.Nonce
	keyIt        keyAddressIterator

	// Inbound singletons. incomingAccessEncrypted is the borrowed lower
	// transport carrier; encryptedAccess holds the assembled ciphertext;
	// sharedAccess holds the decrypted plaintext and doubles as the
	// outbound crypto scratch buffer, which is why cryptoActive guards it
	// in both directions.
	incomingAccessEncrypted mesh.PDU
	encryptedAccess         mesh.AccessPDU
	sharedAccess            mesh.AccessPDU
	sharedControl           mesh.ControlPDU
	incomingControl         *mesh.ControlPDU

	incoming []mesh.PDU
	outgoing []mesh.PDU
	active   []mesh.PDU
}

// Option configures an UpperTransport.
type Option func(*UpperTransport)

// WithLogger replaces the default logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(t *UpperTransport) { t.log = log }
}

// WithPools replaces the default PDU pools.
func WithPools(pools *mesh.Pools) Option {
	return func(t *UpperTransport) { t.pools = pools }
}

// WithCCMEngine replaces the software AES-CCM engine, e.g. with a
// hardware-backed one.
func WithCCMEngine(engine CCMEngine) Option {
	return func(t *UpperTransport) { t.ccm = engine }
}

// New creates an upper transport over the given collaborators. Call
// Init to register with the lower transport before use.
func New(lower LowerTransport, keys mesh.KeyStore, virtual mesh.VirtualAddressStore, seq mesh.SequenceProvider, opts ...Option) *UpperTransport {
	t := &UpperTransport{
		lower:   lower,
		keys:    keys,
		virtual: virtual,
		seq:     seq,
		ccm:     ccm.New(),
		pools:   mesh.NewDefaultPools(),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Init registers the engine as the lower transport's higher layer.
func (t *UpperTransport) Init() {
	t.lower.SetHigherLayerHandler(t.pduHandler)
}

// RegisterAccessMessageHandler sets the handler receiving decrypted
// access PDUs and access send completions.
func (t *UpperTransport) RegisterAccessMessageHandler(h Handler) {
	t.accessHandler = h
}

// RegisterControlMessageHandler sets the handler receiving control PDUs
// and control send completions.
func (t *UpperTransport) RegisterControlMessageHandler(h Handler) {
	t.controlHandler = h
}

// Pools exposes the engine's PDU pools for callers that allocate their
// own upper PDUs.
func (t *UpperTransport) Pools() *mesh.Pools { return t.pools }

// Reset clears the crypto gate and drops all queued inbound PDUs,
// returning their buffers to the pools.
func (t *UpperTransport) Reset() {
	t.cryptoActive = false
	for len(t.incoming) > 0 {
		pdu := t.incoming[0]
		t.incoming = t.incoming[1:]
		t.FreePDU(pdu)
	}
}

// Dump logs the pending queues.
func (t *UpperTransport) Dump() {
	t.dumpQueue("incoming", t.incoming)
	t.dumpQueue("outgoing", t.outgoing)
	t.dumpQueue("active", t.active)
}

func (t *UpperTransport) dumpQueue(name string, queue []mesh.PDU) {
	for i, pdu := range queue {
		t.log.WithFields(logrus.Fields{
			"queue": name,
			"index": i,
			"type":  pdu.Header().PDUType.String(),
		}).Info("queued PDU")
	}
}

// FreePDU releases a PDU's buffers back to the pools: network and
// segmented carriers entirely, and for an upper PDU its segment list and
// attached carrier (the upper PDU itself stays with the caller). Each
// variant is released independently.
func (t *UpperTransport) FreePDU(pdu mesh.PDU) {
	switch p := pdu.(type) {
	case *mesh.NetworkPDU:
		t.pools.FreeNetworkPDU(p)
	case *mesh.SegmentedPDU:
		t.freeSegments(&p.Segments)
		t.pools.FreeSegmentedPDU(p)
	case *mesh.UpperPDU:
		if p.LowerPDU != nil {
			t.FreePDU(p.LowerPDU)
			p.LowerPDU = nil
		}
		t.freeSegments(&p.Segments)
	default:
		panic(fmt.Sprintf("btmesh: cannot free PDU of type %v", pdu.Header().PDUType))
	}
}

func (t *UpperTransport) freeSegments(segments *[]*mesh.NetworkPDU) {
	for _, segment := range *segments {
		t.pools.FreeNetworkPDU(segment)
	}
	*segments = nil
}

// pduHandler receives events from the lower transport.
func (t *UpperTransport) pduHandler(callbackType CallbackType, status Status, pdu mesh.PDU) {
	switch callbackType {
	case CallbackPDUReceived:
		t.messageReceived(pdu)
	case CallbackPDUSent:
		t.pduSent(status, pdu)
	}
}

// run drives both pipelines: the inbound classifier first, then the
// outbound scheduler, each gated on cryptoActive.
func (t *UpperTransport) run() {
	t.runIncoming()
	t.runOutgoing()
}

// pduDst extracts the destination used for per-destination backpressure.
func pduDst(pdu mesh.PDU) uint16 {
	switch p := pdu.(type) {
	case *mesh.NetworkPDU:
		return p.Dst()
	case *mesh.SegmentedPDU:
		return p.NetworkHeader.Dst()
	case *mesh.UpperPDU:
		return p.Dst
	}
	panic(fmt.Sprintf("btmesh: no destination for PDU of type %v", pdu.Header().PDUType))
}
