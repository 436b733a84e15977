package swarm

import "sync"

// AddressBook is the pluggable collaborator that tracks known addresses per
// peer. A nil AddressBook makes ConnectPeer always fail with
// NoAddressesKnown.
type AddressBook interface {
	AddAddresses(peer PeerID, addrs []*Address)
	SortedAddresses(peer PeerID) []*Address
	BestAddress(peer PeerID) (*Address, bool)
	RecordSuccess(peer PeerID, addr *Address)
	RecordFailure(peer PeerID, addr *Address)
}

// memoryAddressBook is a minimal in-memory AddressBook: insertion-ordered
// per peer, with successes promoted to the front so BestAddress tends
// towards whatever last worked.
type memoryAddressBook struct {
	mu   sync.Mutex
	byID map[PeerID][]*Address
}

func newMemoryAddressBook() *memoryAddressBook {
	return &memoryAddressBook{byID: make(map[PeerID][]*Address)}
}

func (b *memoryAddressBook) AddAddresses(peer PeerID, addrs []*Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing := b.byID[peer]
	for _, a := range addrs {
		dup := false
		for _, e := range existing {
			if e.Equal(a) {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, a)
		}
	}
	b.byID[peer] = existing
}

func (b *memoryAddressBook) SortedAddresses(peer PeerID) []*Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Address, len(b.byID[peer]))
	copy(out, b.byID[peer])
	return out
}

func (b *memoryAddressBook) BestAddress(peer PeerID) (*Address, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addrs := b.byID[peer]
	if len(addrs) == 0 {
		return nil, false
	}
	return addrs[0], true
}

func (b *memoryAddressBook) RecordSuccess(peer PeerID, addr *Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addrs := b.byID[peer]
	for i, a := range addrs {
		if a.Equal(addr) {
			addrs[0], addrs[i] = addrs[i], addrs[0]
			break
		}
	}
}

func (b *memoryAddressBook) RecordFailure(peer PeerID, addr *Address) {
	// Insertion-order book keeps addresses regardless of failure; a
	// success-weighted reorder elsewhere already biases away from it.
}
