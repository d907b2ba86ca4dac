// Package routes implements the dynamic routing table: a mapping from
// inner addresses to ordered sets of via-routers keyed by (hops, latency,
// freshness), with aging and replacement. Grounded in the original
// zprd routes.hpp/routes.cxx (via_router_t / route_via_t).
package routes

import (
	"sort"
	"time"

	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
)

// hopJumpLow/High are the "loop-collision artifact" jump amounts that
// must never be accepted as a legitimate hop-count update (spec.md §4.3).
const (
	hopJumpLow  = 0xbe
	hopJumpHigh = 0xbf
)

// ViaRouter is one next-hop entry for a destination.
type ViaRouter struct {
	Peer    *peer.Peer
	Seen    time.Time
	Latency float64 // ms, 0 until a ping-cache match fills it in
	Hops    uint8
}

// Route is the ordered via-router list for one destination.
type Route struct {
	Routers  []*ViaRouter
	freshAdd bool
}

// Empty reports whether this route has no via-routers left.
func (r *Route) Empty() bool { return len(r.Routers) == 0 }

// Head returns the best via-router (the current primary), or nil.
func (r *Route) Head() *ViaRouter {
	if r.Empty() {
		return nil
	}
	return r.Routers[0]
}

func (r *Route) find(p *peer.Peer) int {
	for i, v := range r.Routers {
		if v.Peer.Equal(p) {
			return i
		}
	}
	return -1
}

func updateHopCount(old uint8, newHops uint8) uint8 {
	if newHops > old {
		switch newHops - old {
		case hopJumpLow, hopJumpHigh:
			return old
		}
	}
	return newHops
}

// AddRouter adds or refreshes a via-router. Returns true if a new entry
// was created (the caller logs "add route" on that transition).
func (r *Route) AddRouter(now time.Time, p *peer.Peer, hops uint8) bool {
	wasEmpty := r.Empty()
	if i := r.find(p); i >= 0 {
		r.Routers[i].Seen = now
		r.Routers[i].Hops = updateHopCount(r.Routers[i].Hops, hops)
		return false
	}
	// push-front: new entries are most-recently-learned, head until sorted
	v := &ViaRouter{Peer: p, Seen: now, Hops: hops}
	r.Routers = append([]*ViaRouter{v}, r.Routers...)
	if wasEmpty {
		r.freshAdd = true
	}
	return true
}

// UpdateRouter sets measured hops+latency on an existing via-router entry
// (used after a ping-cache match). No-op if the router isn't present.
func (r *Route) UpdateRouter(now time.Time, p *peer.Peer, hops uint8, latency float64) {
	i := r.find(p)
	if i < 0 {
		return
	}
	r.Routers[i].Seen = now
	r.Routers[i].Hops = updateHopCount(r.Routers[i].Hops, hops)
	r.Routers[i].Latency = latency
}

// DelRouter removes every via-router entry referencing p. Returns whether
// anything was removed.
func (r *Route) DelRouter(p *peer.Peer) bool {
	kept := r.Routers[:0]
	removed := false
	for _, v := range r.Routers {
		if v.Peer.Equal(p) {
			removed = true
			continue
		}
		kept = append(kept, v)
	}
	r.Routers = kept
	return removed
}

// DelPrimaryRouter pops the current head.
func (r *Route) DelPrimaryRouter() {
	if !r.Empty() {
		r.Routers = r.Routers[1:]
	}
}

// Cleanup removes every via-router not seen within 2*remoteTimeout,
// invoking onRemoved for each, then re-sorts ascending by
// (hops, latency, -seen) per the Route invariant.
func (r *Route) Cleanup(now time.Time, remoteTimeout time.Duration, onRemoved func(*peer.Peer)) {
	cutoff := now.Add(-2 * remoteTimeout)
	kept := r.Routers[:0]
	for _, v := range r.Routers {
		if v.Seen.After(cutoff) {
			kept = append(kept, v)
			continue
		}
		onRemoved(v.Peer)
	}
	r.Routers = kept

	sort.SliceStable(r.Routers, func(i, j int) bool {
		a, b := r.Routers[i], r.Routers[j]
		if a.Hops != b.Hops {
			return a.Hops < b.Hops
		}
		if a.Latency != b.Latency {
			return a.Latency < b.Latency
		}
		return a.Seen.After(b.Seen)
	})
}

// SwapNearRouters implements the near-router swap: if the head has
// hops>=2 and the successor's latency is within maxNearRTT ms of the
// head's, swap them to balance among effectively-equivalent paths. Inert
// (no-op) when maxNearRTT==0, per design notes.
func (r *Route) SwapNearRouters(maxNearRTT float64) {
	if maxNearRTT <= 0 || len(r.Routers) < 2 {
		return
	}
	head, next := r.Routers[0], r.Routers[1]
	if head.Hops < 2 {
		return
	}
	diff := head.Latency - next.Latency
	if diff < 0 {
		diff = -diff
	}
	if diff <= maxNearRTT {
		r.Routers[0], r.Routers[1] = next, head
	}
}

// ConsumeFreshAdd reports and clears the fresh-add flag, consumed by the
// periodic advertiser.
func (r *Route) ConsumeFreshAdd() bool {
	v := r.freshAdd
	r.freshAdd = false
	return v
}

// Table is the map from destination IA to its Route.
type Table struct {
	m map[ia.Addr]*Route
}

// NewTable creates an empty routing table.
func NewTable() *Table { return &Table{m: make(map[ia.Addr]*Route)} }

// GetOrCreate returns the Route for dst, creating an empty one if absent
// (mirrors map-index-of-default-constructed behavior used by the original
// `routes[iaddr_src].add_router(...)` call sites).
func (t *Table) GetOrCreate(dst ia.Addr) *Route {
	r, ok := t.m[dst]
	if !ok {
		r = &Route{}
		t.m[dst] = r
	}
	return r
}

// Have returns the Route for dst only if it exists and is non-empty,
// mirroring have_route() in the original.
func (t *Table) Have(dst ia.Addr) *Route {
	r, ok := t.m[dst]
	if !ok || r.Empty() {
		return nil
	}
	return r
}

// All returns every (destination, route) pair currently tracked.
func (t *Table) All() map[ia.Addr]*Route { return t.m }

// Cleanup runs Route.Cleanup over every entry, then removes any entry
// left with an empty via-router list, invoking onWithdraw for each
// destination that becomes unreachable (caller emits a withdrawal ZPRN).
func (t *Table) Cleanup(now time.Time, remoteTimeout time.Duration, onRemoved func(ia.Addr, *peer.Peer), onWithdraw func(ia.Addr)) {
	for dst, r := range t.m {
		r.Cleanup(now, remoteTimeout, func(p *peer.Peer) { onRemoved(dst, p) })
		if r.Empty() {
			delete(t.m, dst)
			onWithdraw(dst)
		}
	}
}

// DelRouterEverywhere removes p from every route in the table, invoking
// onRemoved(dst) for each destination it was actually removed from. Used
// by peer aging and ZPRN CONNMGMT CLOSE handling.
func (t *Table) DelRouterEverywhere(p *peer.Peer, onRemoved func(ia.Addr)) {
	for dst, r := range t.m {
		if r.DelRouter(p) {
			onRemoved(dst)
		}
	}
}
