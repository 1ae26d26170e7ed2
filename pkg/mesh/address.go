package mesh

// Mesh addresses are 16-bit. The two most-significant bits classify the
// address space; virtual addresses are the hash space of label UUIDs.
const (
	AddressUnassigned uint16 = 0x0000
	AddressAllProxies uint16 = 0xfffc
	AddressAllFriends uint16 = 0xfffd
	AddressAllRelays  uint16 = 0xfffe
	AddressAllNodes   uint16 = 0xffff
)

// IsUnicastAddress reports whether addr is a unicast address.
func IsUnicastAddress(addr uint16) bool {
	return addr != AddressUnassigned && addr&0x8000 == 0
}

// IsVirtualAddress reports whether addr falls into the virtual address
// hash space. A virtual address is the 16-bit hash of one or more label
// UUIDs and needs TransMIC-verified resolution to a pseudo destination.
func IsVirtualAddress(addr uint16) bool {
	return addr&0xc000 == 0x8000
}

// IsGroupAddress reports whether addr is a group address.
func IsGroupAddress(addr uint16) bool {
	return addr&0xc000 == 0xc000
}
