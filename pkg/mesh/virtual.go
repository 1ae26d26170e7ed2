package mesh

// VirtualAddress binds a 128-bit label UUID to the 16-bit hash it is
// advertised under and the stable pseudo destination used for local
// routing. Several label UUIDs may collide on the same hash; the pseudo
// destination disambiguates them after TransMIC verification.
type VirtualAddress struct {
	Hash      uint16
	PseudoDst uint16
	LabelUUID [16]byte
}

// VirtualAddressIterator walks the label UUIDs registered for one hash.
// A plain value, like TransportKeyIterator.
type VirtualAddressIterator struct {
	addrs []*VirtualAddress
	pos   int
}

// NewVirtualAddressIterator returns an iterator over the given addresses.
func NewVirtualAddressIterator(addrs []*VirtualAddress) VirtualAddressIterator {
	return VirtualAddressIterator{addrs: addrs}
}

// HasMore reports whether Next will yield another address.
func (it *VirtualAddressIterator) HasMore() bool { return it.pos < len(it.addrs) }

// Next consumes and returns the next address.
func (it *VirtualAddressIterator) Next() *VirtualAddress {
	a := it.addrs[it.pos]
	it.pos++
	return a
}

// VirtualAddressStore is the virtual address registry consumed by the
// upper transport.
type VirtualAddressStore interface {
	// VirtualAddresses iterates the label UUIDs registered for a 16-bit
	// virtual hash.
	VirtualAddresses(hash uint16) VirtualAddressIterator

	// VirtualAddressForPseudoDst resolves a pseudo destination chosen by
	// the access layer to its registration, or nil.
	VirtualAddressForPseudoDst(pseudoDst uint16) *VirtualAddress
}
