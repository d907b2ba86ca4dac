// Package peer implements the remote-peer registry: the set of known
// outer (UDP) endpoints a node has seen or been configured with, plus the
// sentinel "local" peer representing the TUN side.
package peer

import (
	"net/netip"
	"sync"
	"time"
)

// Peer is a shared-ownership record of one outer socket address. The
// router goroutine is the sole mutator of the registry's structure; the
// address itself carries its own lock so the sender goroutine can read it
// concurrently while the router re-resolves a stale config entry.
//
// A Peer allocated once is never moved or copied: all cross-goroutine
// references are this pointer, which doubles as the stable "handle" the
// design notes call for.
type Peer struct {
	mu     sync.RWMutex
	addr   netip.AddrPort
	family int // 0 (unspecified) for the local sentinel, else unix.AF_INET / unix.AF_INET6

	// Seen, CfgEntry and ToDiscard are touched only by the router
	// goroutine's ingress and periodic-cleanup passes; no lock needed.
	Seen      time.Time
	CfgEntry  int // index into the configured-remotes list, -1 if none
	ToDiscard bool
}

// NewLocal returns the sentinel peer representing the TUN/local side.
func NewLocal() *Peer {
	return &Peer{family: 0, CfgEntry: -1}
}

// New creates a peer for a given outer address and address family.
func New(addr netip.AddrPort, family int) *Peer {
	return &Peer{addr: addr, family: family, CfgEntry: -1}
}

// IsLocal reports whether this is the local (TUN-side) sentinel.
func (p *Peer) IsLocal() bool { return p.family == 0 }

// Addr returns the current outer address under a read lock.
func (p *Peer) Addr() netip.AddrPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr
}

// Family returns the address family (0 for local).
func (p *Peer) Family() int { return p.family }

// SetAddr updates the outer address (e.g. after hostname re-resolution)
// under the write lock.
func (p *Peer) SetAddr(addr netip.AddrPort) {
	p.mu.Lock()
	p.addr = addr
	p.mu.Unlock()
}

// Equal reports whether two peers refer to the same outer endpoint:
// same family and same address bytes + port. Two local sentinels are
// always equal to each other.
func (p *Peer) Equal(o *Peer) bool {
	if p == o {
		return true
	}
	if p == nil || o == nil {
		return false
	}
	if p.family != o.family {
		return false
	}
	if p.family == 0 {
		return true
	}
	return p.Addr() == o.Addr()
}

// Key returns a sortable string so the registry can keep its slice
// ordered for binary-search lookup on ingress.
func (p *Peer) Key() string {
	if p.family == 0 {
		return "\x00local"
	}
	a := p.Addr()
	return a.String()
}

// String renders a human description, used in log lines.
func (p *Peer) String() string {
	if p.IsLocal() {
		return "local"
	}
	return p.Addr().String()
}
