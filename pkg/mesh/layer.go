package mesh

import (
	"fmt"

	"github.com/google/gopacket"
)

// LayerTypeNetworkPDU identifies the mesh network PDU layer within
// gopacket. The payload of this layer is the lower transport PDU.
var LayerTypeNetworkPDU = gopacket.RegisterLayerType(
	1893,
	gopacket.LayerTypeMetadata{
		Name:    "MeshNetworkPDU",
		Decoder: gopacket.DecodeFunc(decodeNetworkPDU),
	})

// NetworkPDULayer decodes and serialises the 9-byte network PDU header.
// It exists for tooling and tests that want to inspect carriers emitted by
// the transport; the pipelines themselves operate on NetworkHeader
// directly to avoid allocation.
type NetworkPDULayer struct {
	Contents []byte
	Pld      []byte

	IVI uint8
	NID uint8
	CTL bool
	TTL uint8
	Seq uint32
	Src uint16
	Dst uint16
}

func decodeNetworkPDU(data []byte, pb gopacket.PacketBuilder) error {
	layer := &NetworkPDULayer{}
	if err := layer.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(layer)
	return pb.NextDecoder(gopacket.LayerTypePayload)
}

func (*NetworkPDULayer) LayerType() gopacket.LayerType {
	return LayerTypeNetworkPDU
}

func (l *NetworkPDULayer) CanDecode() gopacket.LayerClass {
	return l.LayerType()
}

func (l *NetworkPDULayer) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

func (l *NetworkPDULayer) LayerContents() []byte { return l.Contents }
func (l *NetworkPDULayer) LayerPayload() []byte  { return l.Pld }

func (l *NetworkPDULayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < NetworkHeaderSize {
		df.SetTruncated()
		return fmt.Errorf("network PDU must be at least %v bytes, got %v",
			NetworkHeaderSize, len(data))
	}

	var h NetworkHeader
	copy(h[:], data[:NetworkHeaderSize])
	l.IVI = h.IviNid() >> 7
	l.NID = h.IviNid() & 0x7f
	l.CTL = h.Ctl()
	l.TTL = h.TTL()
	l.Seq = h.Seq()
	l.Src = h.Src()
	l.Dst = h.Dst()

	l.Contents = data[:NetworkHeaderSize]
	l.Pld = data[NetworkHeaderSize:]
	return nil
}

func (l *NetworkPDULayer) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	header, err := b.PrependBytes(NetworkHeaderSize)
	if err != nil {
		return err
	}

	var h NetworkHeader
	h.SetIviNid(l.NID | (l.IVI << 7))
	ctlTtl := l.TTL & 0x7f
	if l.CTL {
		ctlTtl |= 0x80
	}
	h.SetCtlTtl(ctlTtl)
	h.SetSeq(l.Seq)
	h.SetSrc(l.Src)
	h.SetDst(l.Dst)
	copy(header, h[:])
	return nil
}
