package router

import (
	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
)

// ResolveRoute implements spec.md §4.2's resolve_route / §4.3: it first
// records that srcIA is reachable via sourcePeer, then decides the
// destination peer set for dstIA.
func (c *Context) ResolveRoute(sourcePeer *peer.Peer, srcIA, dstIA ia.Addr, ttl uint8, destinationIsLocal bool) []*peer.Peer {
	hops := uint8(0)
	if !c.amIIAddr(srcIA, false) {
		hops = MaxTTL - ttl
	}
	if c.Routes.GetOrCreate(srcIA).AddRouter(timeNow(), sourcePeer, hops) {
		c.Log.Info("add route", "dst", srcIA.String(), "via", sourcePeer.String())
	}

	if destinationIsLocal || (!sourcePeer.IsLocal() && dstIA.IsDirectBroadcast()) {
		return []*peer.Peer{c.Registry.Local}
	}

	if r := c.Routes.Have(dstIA); r != nil {
		// del_router already removes every entry for sourcePeer, which
		// subsumes the "old head equals source_peer" case the original
		// checks separately (a peer holds at most one entry per route).
		if r.DelRouter(sourcePeer) {
			c.Log.Info("delete route (invalid)", "dst", dstIA.String(), "via", sourcePeer.String())
		}
		if !r.Empty() {
			if c.Config.MaxNearRTTms > 0 {
				r.SwapNearRouters(float64(c.Config.MaxNearRTTms))
			}
			return []*peer.Peer{r.Head().Peer}
		}
	}

	if _, blocked := c.BlockedBroadcastDsts[dstIA]; blocked {
		return nil
	}

	c.Log.Info("no known route", "dst", dstIA.String())
	ret := peer.WithoutPeer(c.Registry.All(), sourcePeer)
	if len(ret) == 0 {
		c.Log.Info("drop (no destination)", "via", sourcePeer.String())
	}
	return ret
}
