package btmesh

import "github.com/gaoheyang/btmesh/pkg/mesh"

// keyAddressIterator lazily enumerates the (key, label UUID) candidate
// pairs for decrypting an inbound access PDU. For a non-virtual
// destination it degenerates to the key iterator with no address. For a
// virtual destination it walks the cartesian product keys x label UUIDs,
// outer loop over keys. A plain value type.
type keyAddressIterator struct {
	keyIt  mesh.TransportKeyIterator
	addrIt mesh.VirtualAddressIterator

	key     *mesh.TransportKey
	address *mesh.VirtualAddress

	dst     uint16
	virtual mesh.VirtualAddressStore
}

func (it *keyAddressIterator) init(keys mesh.KeyStore, virtual mesh.VirtualAddressStore, dst, netkeyIndex uint16, akf bool, aid uint8) {
	it.dst = dst
	it.virtual = virtual
	it.key = nil
	it.address = nil
	it.keyIt = keys.TransportKeysByAID(netkeyIndex, akf, aid)
	if mesh.IsVirtualAddress(dst) {
		it.addrIt = virtual.VirtualAddresses(dst)
		if it.keyIt.HasMore() {
			it.key = it.keyIt.Next()
		}
	}
}

// hasMore advances internal cursors without consuming a pair.
func (it *keyAddressIterator) hasMore() bool {
	if !mesh.IsVirtualAddress(it.dst) {
		return it.keyIt.HasMore()
	}
	for {
		// Registered label UUIDs alone are not a candidate; a key must
		// have been entered too.
		if it.key != nil && it.addrIt.HasMore() {
			return true
		}
		if !it.keyIt.HasMore() {
			return false
		}
		it.key = it.keyIt.Next()
		it.addrIt = it.virtual.VirtualAddresses(it.dst)
	}
}

// next consumes one pair; the elements are then readable from it.key and
// it.address. Only valid after hasMore reported true.
func (it *keyAddressIterator) next() {
	if mesh.IsVirtualAddress(it.dst) {
		it.address = it.addrIt.Next()
	} else {
		it.key = it.keyIt.Next()
	}
}
