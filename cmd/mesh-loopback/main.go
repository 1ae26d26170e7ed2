package main

// mesh-loopback drives the upper transport against an in-memory lower
// transport that reflects every emitted carrier back as a received PDU.
// Each message is encrypted, "sent", reassembled and decrypted again,
// which makes it a handy smoke test for key material and wire layouts.

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/alecthomas/kingpin"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/gopacket"
	"github.com/sirupsen/logrus"

	"github.com/gaoheyang/btmesh"
	"github.com/gaoheyang/btmesh/pkg/mesh"
)

var (
	flgSrc = kingpin.Flag("src", "Source unicast address.").
		Default("0x0001").Uint16()
	flgDst = kingpin.Flag("dst", "Destination address.").
		Default("0x0002").Uint16()
	flgTTL = kingpin.Flag("ttl", "Time to live.").
		Default("10").Uint8()
	flgSzmic = kingpin.Flag("szmic", "Use an 8-byte TransMIC (forces segmentation).").
			Bool()
	flgCount = kingpin.Flag("count", "Number of messages to round-trip.").
			Default("1").Int()
	flgVerbose = kingpin.Flag("verbose", "Enable debug logging.").
			Bool()
	argPayload = kingpin.Arg("payload", "Access payload as hex.").
			Required().String()
)

type event struct {
	callbackType btmesh.CallbackType
	status       btmesh.Status
	pdu          mesh.PDU
}

// loopback is a minimal lower transport: every carrier submitted with
// SendPDU is confirmed sent and echoed back as a received PDU. Events
// are queued and drained by Pump, modelling the event loop.
type loopback struct {
	handler btmesh.Handler
	pending []event
}

func (l *loopback) SendPDU(pdu mesh.PDU) {
	switch p := pdu.(type) {
	case *mesh.NetworkPDU:
		dumpNetworkPDU(p)
		echo := &mesh.NetworkPDU{}
		*echo = *p
		echo.PDUType = mesh.PDUTypeNetwork
		l.pending = append(l.pending,
			event{btmesh.CallbackPDUSent, btmesh.StatusSuccess, pdu},
			event{btmesh.CallbackPDUReceived, btmesh.StatusSuccess, echo})
	case *mesh.SegmentedPDU:
		l.pending = append(l.pending,
			event{btmesh.CallbackPDUSent, btmesh.StatusSuccess, pdu},
			event{btmesh.CallbackPDUReceived, btmesh.StatusSuccess, resegment(p)})
	default:
		logrus.Fatalf("unexpected carrier type %v", pdu.Header().PDUType)
	}
}

func (l *loopback) ReserveSlot() {}

func (l *loopback) CanSendToDest(uint16) bool { return true }

func (l *loopback) MessageProcessedByHigherLayer(mesh.PDU) {}

func (l *loopback) SetHigherLayerHandler(h btmesh.Handler) { l.handler = h }

// Pump delivers queued events until none remain.
func (l *loopback) Pump() {
	for len(l.pending) > 0 {
		e := l.pending[0]
		l.pending = l.pending[1:]
		l.handler(e.callbackType, e.status, e.pdu)
	}
}

// resegment converts an outbound segmented carrier, whose segments are
// raw payload buffers, into the wire segments a real lower transport
// would have reassembled: network header plus a 4-byte segment header
// carrying SEG_O.
func resegment(p *mesh.SegmentedPDU) *mesh.SegmentedPDU {
	var buf [mesh.AccessPayloadMax]byte
	n := 0
	for _, s := range p.Segments {
		n += copy(buf[n:], s.Data[:s.Len])
	}

	segLen := mesh.AccessSegmentLen
	if p.NetworkHeader.Ctl() {
		segLen = mesh.ControlSegmentLen
	}

	echo := &mesh.SegmentedPDU{
		PDUHeader:     mesh.PDUHeader{PDUType: mesh.PDUTypeSegmented},
		Len:           p.Len,
		NetkeyIndex:   p.NetkeyIndex,
		TransMICLen:   p.TransMICLen,
		AkfAidOpcode:  p.AkfAidOpcode,
		NetworkHeader: p.NetworkHeader,
	}
	for off, segO := 0, 0; off < n; off, segO = off+segLen, segO+1 {
		seg := &mesh.NetworkPDU{}
		copy(seg.Data[:mesh.NetworkHeaderSize], p.NetworkHeader[:])
		binary.BigEndian.PutUint16(seg.Data[11:13], uint16(segO)<<5)
		end := off + segLen
		if end > n {
			end = n
		}
		m := copy(seg.Data[13:], buf[off:end])
		seg.Len = uint16(13 + m)
		echo.Segments = append(echo.Segments, seg)
	}
	return echo
}

func dumpNetworkPDU(p *mesh.NetworkPDU) {
	packet := gopacket.NewPacket(p.Data[:p.Len], mesh.LayerTypeNetworkPDU, gopacket.Lazy)
	if layer, ok := packet.Layer(mesh.LayerTypeNetworkPDU).(*mesh.NetworkPDULayer); ok {
		logrus.WithFields(logrus.Fields{
			"src":     fmt.Sprintf("%#04x", layer.Src),
			"dst":     fmt.Sprintf("%#04x", layer.Dst),
			"seq":     fmt.Sprintf("%#06x", layer.Seq),
			"ttl":     layer.TTL,
			"payload": fmt.Sprintf("%x", layer.LayerPayload()),
		}).Info("emitting network PDU")
	}
}

func main() {
	kingpin.Parse()
	if *flgVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	payload, err := hex.DecodeString(*argPayload)
	if err != nil {
		logrus.Fatalf("invalid payload: %v", err)
	}

	keys := &mesh.MemoryKeyStore{}
	keys.AddNetworkKey(&mesh.NetworkKey{NetkeyIndex: 0, NID: 0x68})
	keys.AddKey(&mesh.TransportKey{
		AppkeyIndex: 0,
		NetkeyIndex: 0,
		AKF:         true,
		AID:         0x26,
		Key:         [16]byte{0x63, 0x96, 0x47, 0x71, 0x73, 0x4f, 0xbd, 0x76, 0xe3, 0xb4, 0x05, 0x19, 0xd1, 0xd9, 0x4a, 0x48},
	})

	lower := &loopback{}
	transport := btmesh.New(lower, keys, &mesh.MemoryVirtualAddressStore{}, &mesh.MemorySequence{})
	transport.Init()

	received := 0
	transport.RegisterAccessMessageHandler(func(callbackType btmesh.CallbackType, status btmesh.Status, pdu mesh.PDU) {
		switch callbackType {
		case btmesh.CallbackPDUReceived:
			access := pdu.(*mesh.AccessPDU)
			received++
			logrus.WithFields(logrus.Fields{
				"src":     fmt.Sprintf("%#04x", access.NetworkHeader.Src()),
				"dst":     fmt.Sprintf("%#04x", access.NetworkHeader.Dst()),
				"payload": fmt.Sprintf("%x", access.Payload()),
			}).Info("access PDU decrypted")
			transport.MessageProcessedByHigherLayer(pdu)
		case btmesh.CallbackPDUSent:
			if status != btmesh.StatusSuccess {
				logrus.Fatalf("send failed with status %v", status)
			}
			transport.FreePDU(pdu)
			transport.Pools().FreeUpperPDU(pdu.(*mesh.UpperPDU))
		}
	})
	transport.RegisterControlMessageHandler(func(callbackType btmesh.CallbackType, status btmesh.Status, pdu mesh.PDU) {
		transport.MessageProcessedByHigherLayer(pdu)
	})

	for i := 0; i < *flgCount; i++ {
		var upper *mesh.UpperPDU

		// Pools refill as sent-completions come back; retry setup until
		// buffers are available.
		err := backoff.Retry(func() error {
			upper = transport.Pools().GetUpperPDU()
			if upper == nil {
				lower.Pump()
				return btmesh.ErrPoolExhausted
			}
			if err := transport.SetupAccessPDU(upper, 0, 0, *flgTTL, *flgSrc, *flgDst, *flgSzmic, payload); err != nil {
				transport.Pools().FreeUpperPDU(upper)
				if errors.Is(err, btmesh.ErrPoolExhausted) {
					lower.Pump()
					return err
				}
				return backoff.Permanent(err)
			}
			return nil
		}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5))
		if err != nil {
			logrus.Fatalf("setting up access PDU: %v", err)
		}

		transport.SendAccessPDU(upper)
		lower.Pump()
	}

	if received != *flgCount {
		logrus.Fatalf("round-tripped %v of %v messages", received, *flgCount)
	}
	logrus.Infof("round-tripped %v message(s)", received)
}
