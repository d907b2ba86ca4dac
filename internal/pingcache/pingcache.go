// Package pingcache implements the single-slot ping cache used to
// measure per-route round-trip latency by observing ICMP echo/reply
// pairs. Grounded in the original zprd ping_cache.hpp and spec.md §4.6.
package pingcache

import (
	"time"

	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
)

// Data identifies one echo exchange: src/dst inner addresses plus the
// ICMP id/sequence pair.
type Data struct {
	Src, Dst ia.Addr
	ID, Seq  uint16
}

// Match is the result of a successful match: the via-router the original
// echo went out through, the measured hop count, and the RTT in ms.
type Match struct {
	Router *peer.Peer
	Hops   uint8
	Diff   float64
	Ok     bool
}

// Cache is the single-slot echo cache. "Empty" means no echo is pending
// (seen is the zero time).
type Cache struct {
	seen   time.Time
	data   Data
	router *peer.Peer
	ttl    uint8
}

// Init overwrites the slot with a freshly observed outgoing echo request.
func (c *Cache) Init(now time.Time, dat Data, router *peer.Peer, ttl uint8) {
	c.seen = now
	c.data = dat
	c.router = router
	c.ttl = ttl
}

// Match attempts to match an observed echo *reply* against the pending
// echo request. A match requires: the slot is non-empty, the reply's
// (src, dst) is the exact swap of the stored request's (dst, src), the id
// and sequence are equal, and the stored router equals the reply's
// source peer (i.e. the reply came back through the same via-router the
// request went out on). On a match the slot is cleared.
func (c *Cache) Match(now time.Time, dat Data, sourcePeer *peer.Peer, ttl uint8) Match {
	if c.seen.IsZero() {
		return Match{}
	}
	if dat.Src != c.data.Dst || dat.Dst != c.data.Src || dat.ID != c.data.ID || dat.Seq != c.data.Seq {
		return Match{}
	}
	if !c.router.Equal(sourcePeer) {
		return Match{}
	}
	diff := float64(now.Sub(c.seen).Microseconds()) / 1000.0
	hops := c.ttl - ttl + 1
	router := c.router
	*c = Cache{}
	return Match{Router: router, Hops: hops, Diff: diff, Ok: true}
}
