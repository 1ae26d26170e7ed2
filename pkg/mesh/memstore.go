package mesh

// MemoryKeyStore is a KeyStore backed by slices. It is the reference
// store used by tests and tooling; a production node substitutes its own
// persistent implementation.
type MemoryKeyStore struct {
	Keys     []*TransportKey
	Networks []*NetworkKey
	Subnets  []*Subnet
}

// AddKey registers a transport key.
func (s *MemoryKeyStore) AddKey(k *TransportKey) { s.Keys = append(s.Keys, k) }

// AddNetworkKey registers a network key and a subnet in normal key
// refresh state if none exists for the index.
func (s *MemoryKeyStore) AddNetworkKey(k *NetworkKey) {
	s.Networks = append(s.Networks, k)
	if s.Subnet(k.NetkeyIndex) == nil {
		s.Subnets = append(s.Subnets, &Subnet{NetkeyIndex: k.NetkeyIndex})
	}
}

func (s *MemoryKeyStore) TransportKey(appkeyIndex uint16) *TransportKey {
	for _, k := range s.Keys {
		if k.AppkeyIndex == appkeyIndex {
			return k
		}
	}
	return nil
}

func (s *MemoryKeyStore) TransportKeysByAID(netkeyIndex uint16, akf bool, aid uint8) TransportKeyIterator {
	var matches []*TransportKey
	for _, k := range s.Keys {
		if k.NetkeyIndex != netkeyIndex && k.AppkeyIndex != DeviceKeyIndex {
			continue
		}
		if k.AKF != akf {
			continue
		}
		if akf && k.AID != aid {
			continue
		}
		matches = append(matches, k)
	}
	return NewTransportKeyIterator(matches)
}

func (s *MemoryKeyStore) TransportKeys(netkeyIndex uint16) TransportKeyIterator {
	var matches []*TransportKey
	for _, k := range s.Keys {
		if k.NetkeyIndex == netkeyIndex {
			matches = append(matches, k)
		}
	}
	return NewTransportKeyIterator(matches)
}

func (s *MemoryKeyStore) Subnet(netkeyIndex uint16) *Subnet {
	for _, sub := range s.Subnets {
		if sub.NetkeyIndex == netkeyIndex {
			return sub
		}
	}
	return nil
}

func (s *MemoryKeyStore) NetworkKey(netkeyIndex uint16) *NetworkKey {
	for _, k := range s.Networks {
		if k.NetkeyIndex == netkeyIndex {
			return k
		}
	}
	return nil
}

// MemoryVirtualAddressStore is a slice-backed VirtualAddressStore.
type MemoryVirtualAddressStore struct {
	Addresses []*VirtualAddress
}

// Add registers a virtual address.
func (s *MemoryVirtualAddressStore) Add(a *VirtualAddress) {
	s.Addresses = append(s.Addresses, a)
}

func (s *MemoryVirtualAddressStore) VirtualAddresses(hash uint16) VirtualAddressIterator {
	var matches []*VirtualAddress
	for _, a := range s.Addresses {
		if a.Hash == hash {
			matches = append(matches, a)
		}
	}
	return NewVirtualAddressIterator(matches)
}

func (s *MemoryVirtualAddressStore) VirtualAddressForPseudoDst(pseudoDst uint16) *VirtualAddress {
	for _, a := range s.Addresses {
		if a.PseudoDst == pseudoDst {
			return a
		}
	}
	return nil
}

// MemorySequence is a SequenceProvider counting from zero under a fixed
// IV index.
type MemorySequence struct {
	IV  uint32
	Seq uint32
}

func (s *MemorySequence) IVIndex() uint32      { return s.IV }
func (s *MemorySequence) IVIndexForTX() uint32 { return s.IV }

func (s *MemorySequence) NextSequenceNumber() uint32 {
	seq := s.Seq
	s.Seq++
	return seq
}
