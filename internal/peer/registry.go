package peer

import (
	"net/netip"
	"sort"
)

// Registry is the shared, concurrently-accessed set of known remotes.
// The router goroutine is the sole structural mutator (insert/remove from
// the slice); individual Peer fields are safe for concurrent read by the
// sender goroutine through Peer's own lock.
type Registry struct {
	// peers is kept sorted by Peer.Key() to enable binary-search lookup
	// on ingress, per the peer-registry invariant in spec.md §3.
	peers []*Peer
	Local *Peer
}

// NewRegistry creates an empty registry with its local sentinel.
func NewRegistry() *Registry {
	return &Registry{Local: NewLocal()}
}

func (r *Registry) search(key string) (int, bool) {
	i := sort.Search(len(r.peers), func(i int) bool { return r.peers[i].Key() >= key })
	if i < len(r.peers) && r.peers[i].Key() == key {
		return i, true
	}
	return i, false
}

// Lookup finds an existing peer for addr/family, or returns nil.
func (r *Registry) Lookup(addr netip.AddrPort, family int) *Peer {
	key := (&Peer{addr: addr, family: family}).Key()
	if i, ok := r.search(key); ok {
		return r.peers[i]
	}
	return nil
}

// GetOrInsert returns the existing peer for addr/family, inserting a new
// one at the correct sorted position if none exists. Reports whether a
// new entry was created.
func (r *Registry) GetOrInsert(addr netip.AddrPort, family int) (*Peer, bool) {
	p := New(addr, family)
	key := p.Key()
	i, ok := r.search(key)
	if ok {
		return r.peers[i], false
	}
	r.peers = append(r.peers, nil)
	copy(r.peers[i+1:], r.peers[i:])
	r.peers[i] = p
	return p, true
}

// Add inserts a peer that is already known from configuration, returning
// the inserted or pre-existing entry.
func (r *Registry) Add(addr netip.AddrPort, family int, cfgEntry int) *Peer {
	p, created := r.GetOrInsert(addr, family)
	if created {
		p.CfgEntry = cfgEntry
	}
	return p
}

// All returns a snapshot slice of every known remote (excludes local).
func (r *Registry) All() []*Peer {
	out := make([]*Peer, len(r.peers))
	copy(out, r.peers)
	return out
}

// RemoveDiscarded deletes peers for which to_discard is set, resorting the slice.
// Returns the removed peers so callers can purge route references.
func (r *Registry) RemoveDiscarded() []*Peer {
	kept := r.peers[:0]
	var removed []*Peer
	for _, p := range r.peers {
		if p.ToDiscard {
			removed = append(removed, p)
		} else {
			kept = append(kept, p)
		}
	}
	r.peers = kept
	r.Resort()
	return removed
}

// Resort re-establishes the Key()-sorted invariant, e.g. after a peer's
// address was re-resolved to a new value.
func (r *Registry) Resort() {
	sort.Slice(r.peers, func(i, j int) bool { return r.peers[i].Key() < r.peers[j].Key() })
}

// WithoutPeer returns a copy of peers with p removed (by Equal), used for
// split-horizon filtering before a broadcast/advertisement.
func WithoutPeer(peers []*Peer, p *Peer) []*Peer {
	out := make([]*Peer, 0, len(peers))
	for _, o := range peers {
		if !o.Equal(p) {
			out = append(out, o)
		}
	}
	return out
}
