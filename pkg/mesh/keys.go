package mesh

// DeviceKeyIndex is the reserved appkey index addressing the per-peer
// device key. The device key is unique; decryption with it is never
// retried against further candidates.
const DeviceKeyIndex uint16 = 0xffff

// KeyRefreshState is the per-subnet key refresh phase. It affects
// outgoing key selection only.
type KeyRefreshState uint8

const (
	KeyRefreshNormal KeyRefreshState = iota
	KeyRefreshFirstPhase
	KeyRefreshSecondPhase
)

// TransportKey is an application or device key usable by the upper
// transport. During key refresh two keys share an appkey index; OldKey
// marks the one being phased out.
type TransportKey struct {
	AppkeyIndex uint16
	NetkeyIndex uint16

	// AKF and AID identify the key on the wire: AKF is set for
	// application keys, and AID is the 6-bit identifier derived from the
	// key material. Device keys have AKF clear and AID zero.
	AKF bool
	AID uint8

	Key [16]byte

	OldKey bool
}

// AkfAid returns the first byte of an access PDU encrypted under this key.
func (k *TransportKey) AkfAid() uint8 {
	b := k.AID & 0x3f
	if k.AKF {
		b |= 0x40
	}
	return b
}

// NetworkKey carries the network-layer parameters the upper transport
// needs when packing headers: the 7-bit NID.
type NetworkKey struct {
	NetkeyIndex uint16
	NID         uint8
}

// Subnet is the key-refresh view of a subnet.
type Subnet struct {
	NetkeyIndex uint16
	KeyRefresh  KeyRefreshState
}

// TransportKeyIterator walks a fixed candidate set. It is a plain value:
// copying it forks the cursor.
type TransportKeyIterator struct {
	keys []*TransportKey
	pos  int
}

// NewTransportKeyIterator returns an iterator over the given candidates.
func NewTransportKeyIterator(keys []*TransportKey) TransportKeyIterator {
	return TransportKeyIterator{keys: keys}
}

// HasMore reports whether Next will yield another key.
func (it *TransportKeyIterator) HasMore() bool { return it.pos < len(it.keys) }

// Next consumes and returns the next key.
func (it *TransportKeyIterator) Next() *TransportKey {
	k := it.keys[it.pos]
	it.pos++
	return k
}

// KeyStore is the key storage consumed by the upper transport. Lookup
// failures return nil pointers or empty iterators; the transport maps
// them to send failures or decryption exhaustion.
type KeyStore interface {
	// TransportKey returns the key stored under the given appkey index,
	// including DeviceKeyIndex.
	TransportKey(appkeyIndex uint16) *TransportKey

	// TransportKeysByAID iterates the keys under a netkey that match the
	// received AKF/AID pair.
	TransportKeysByAID(netkeyIndex uint16, akf bool, aid uint8) TransportKeyIterator

	// TransportKeys iterates every key bound to a netkey.
	TransportKeys(netkeyIndex uint16) TransportKeyIterator

	// Subnet returns the subnet for a netkey index, or nil.
	Subnet(netkeyIndex uint16) *Subnet

	// NetworkKey returns the network key for a netkey index, or nil.
	NetworkKey(netkeyIndex uint16) *NetworkKey
}

// SequenceProvider supplies the IV index and the monotone 24-bit sequence
// number space shared by all local sources.
type SequenceProvider interface {
	// IVIndex is the current IV index used to validate received PDUs.
	IVIndex() uint32

	// IVIndexForTX is the IV index used for new transmissions. During an
	// IV update it lags IVIndex by one.
	IVIndexForTX() uint32

	// NextSequenceNumber reserves and returns the next sequence number.
	// Reserved numbers are committed even if the send later fails.
	NextSequenceNumber() uint32
}
