package router

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
	"github.com/zrouter/z/internal/zprn"
)

// Tick runs the periodic peer-cleanup + route-cleanup pass described in
// spec.md §4.7, if at least remoteTimeout/4 has elapsed since the last
// run. Safe to call from the router goroutine's readiness-wait loop on
// every timeout.
func (c *Context) Tick() {
	now := timeNow()
	remoteTimeout := time.Duration(c.Config.RemoteTimeoutSeconds) * time.Second
	if !c.lastPeerCleanup.IsZero() && now.Sub(c.lastPeerCleanup) < remoteTimeout/4 {
		return
	}
	c.lastPeerCleanup = now

	c.markStalePeers(now, remoteTimeout)
	c.markDuplicatePeers()

	removed := c.Registry.RemoveDiscarded()
	for _, p := range removed {
		c.Routes.DelRouterEverywhere(p, func(dst ia.Addr) {
			c.Log.Info("delete route (peer aged out)", "dst", dst.String(), "via", p.String())
		})
		c.Hooks.Peer(true, p.String())
	}

	c.Routes.Cleanup(now, remoteTimeout,
		func(dst ia.Addr, p *peer.Peer) {
			c.Log.Info("delete route (stale)", "dst", dst.String(), "via", p.String())
		},
		func(dst ia.Addr) {
			c.Log.Info("withdraw route (no routers left)", "dst", dst.String())
			c.SendZPRNMsg(zprn.Entry{Cmd: zprn.CmdRouteMod, Prio: zprn.RouteModWithdraw, Route: dst}, nil)
			c.Hooks.Route(true, dst)
		},
	)

	c.reconnectMissingRemotes()
	c.advertiseFreshRoutes()
}

// markStalePeers implements step 1 of spec.md §4.7: a peer not seen for
// remote_timeout is marked to_discard, unless it has a config entry and
// re-resolving its hostname succeeds (in which case its address and
// Seen are refreshed instead).
func (c *Context) markStalePeers(now time.Time, remoteTimeout time.Duration) {
	for _, p := range c.Registry.All() {
		if p.IsLocal() || now.Sub(p.Seen) < remoteTimeout {
			continue
		}
		if p.CfgEntry >= 0 && p.CfgEntry < len(c.Config.Remotes) {
			if addr, ok := resolveRemote(c.Config.Remotes[p.CfgEntry], c.Config.DataPort); ok {
				p.SetAddr(addr)
				p.Seen = now
				c.Log.Info("re-resolved stale peer", "peer", p.String())
				continue
			}
		}
		p.ToDiscard = true
		c.Log.Info("mark peer stale", "peer", p.String())
	}
}

// markDuplicatePeers implements step 2: among peers sharing the same
// outer address, the one without a config entry is the weaker copy and
// is marked to_discard. (The original breaks ties on shared_ptr use
// count; replaced per design notes with "config-entry peer wins".)
func (c *Context) markDuplicatePeers() {
	all := c.Registry.All()
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.ToDiscard || b.ToDiscard || !a.Addr().IsValid() || a.Addr() != b.Addr() {
				continue
			}
			switch {
			case a.CfgEntry >= 0 && b.CfgEntry < 0:
				b.ToDiscard = true
			case b.CfgEntry >= 0 && a.CfgEntry < 0:
				a.ToDiscard = true
			default:
				b.ToDiscard = true
			}
		}
	}
}

// reconnectMissingRemotes implements step 5: any configured remote whose
// peer entry was just removed gets re-resolved and re-inserted.
func (c *Context) reconnectMissingRemotes() {
	have := make(map[int]bool)
	for _, p := range c.Registry.All() {
		if p.CfgEntry >= 0 {
			have[p.CfgEntry] = true
		}
	}
	for i, host := range c.Config.Remotes {
		if have[i] {
			continue
		}
		if addr, ok := resolveRemote(host, c.Config.DataPort); ok {
			p := c.Registry.Add(addr, addrFamily(addr), i)
			p.Seen = timeNow()
			c.Log.Info("reconnected remote", "host", host, "peer", p.String())
			c.Hooks.Peer(false, p.String())
		}
	}
}

// advertiseFreshRoutes broadcasts a ROUTEMOD for every route that gained
// its first via-router since the last pass, consuming the fresh-add flag
// set by Route.AddRouter. Routes that are neither fresh nor empty but
// whose head router hasn't been seen since routeProbeTin (now -
// remoteTimeout) instead get probed, so a quiet-but-not-yet-stale path
// gets re-validated before it ages out entirely.
func (c *Context) advertiseFreshRoutes() {
	routeProbeTin := timeNow().Add(-time.Duration(c.Config.RemoteTimeoutSeconds) * time.Second)
	for dst, r := range c.Routes.All() {
		switch {
		case r.ConsumeFreshAdd() && !r.Empty():
			c.SendZPRNMsg(zprn.Entry{Cmd: zprn.CmdRouteMod, Prio: r.Head().Hops, Route: dst}, r.Head().Peer)
			c.Hooks.Route(false, dst)
		case !r.Empty() && r.Head().Seen.Before(routeProbeTin):
			c.SendZPRNProbeReq(dst)
		}
	}
}

func addrFamily(a netip.AddrPort) int {
	if a.Addr().Is4() {
		return AFInet
	}
	return AFInet6
}

// resolveRemote resolves a "R" config entry (host, optionally host:port)
// to a concrete outer socket address, defaulting to dataPort when no port
// is given.
func resolveRemote(host string, dataPort uint16) (netip.AddrPort, bool) {
	h, port := host, dataPort
	if hh, p, err := net.SplitHostPort(host); err == nil {
		h = hh
		if v, err := strconv.ParseUint(p, 10, 16); err == nil {
			port = uint16(v)
		}
	}
	ips, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", h)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ips[0], port), true
}
