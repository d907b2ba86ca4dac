package router

import (
	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
	"github.com/zrouter/z/internal/sender"
	"github.com/zrouter/z/internal/zprn"
)

// SendZPRNMsg broadcasts msg to every known remote with split horizon:
// for a non-withdraw ROUTEMOD, the current primary router of msg.Route is
// excluded so we never advertise a route back to its own next hop.
func (c *Context) SendZPRNMsg(msg zprn.Entry, confirmed *peer.Peer) {
	dests := c.Registry.All()
	if msg.Prio != zprn.RouteModWithdraw && msg.Cmd == zprn.CmdRouteMod {
		if r := c.Routes.Have(msg.Route); r != nil {
			dests = peer.WithoutPeer(dests, r.Head().Peer)
		}
	}
	c.Sender.EnqueueZPRN(sender.ZPRNTask{Entry: msg, Dests: dests, Confirmed: confirmed})
}

// SendZPRNProbeReq implements send_zprn_probe_req: if we have a route, a
// probe is sent to its own routers (prio=0xFE) and separately to every
// other remote (prio=0xFF); with no route, only the 0xFF broadcast goes
// out.
func (c *Context) SendZPRNProbeReq(dest ia.Addr) {
	nonRouters := c.Registry.All()
	if r := c.Routes.Have(dest); r != nil {
		var routers []*peer.Peer
		for _, v := range r.Routers {
			routers = append(routers, v.Peer)
			nonRouters = peer.WithoutPeer(nonRouters, v.Peer)
		}
		c.Sender.EnqueueZPRN(sender.ZPRNTask{
			Entry: zprn.Entry{Cmd: zprn.CmdProbe, Prio: zprn.ProbeReqToRouters, Route: dest},
			Dests: routers,
		})
	}
	if len(nonRouters) > 0 {
		c.Sender.EnqueueZPRN(sender.ZPRNTask{
			Entry: zprn.Entry{Cmd: zprn.CmdProbe, Prio: zprn.ProbeReqToOthers, Route: dest},
			Dests: nonRouters,
		})
	}
}

// HandleRouteMod implements the ROUTEMOD handler of spec.md §4.5.
func (c *Context) HandleRouteMod(srca *peer.Peer, sourceDesc string, e zprn.Entry) {
	dst := e.Route
	if e.Prio != zprn.RouteModWithdraw {
		if !c.AmIIAddr(dst) {
			if c.Routes.GetOrCreate(dst).AddRouter(timeNow(), srca, e.Prio+1) {
				c.Log.Info("add route (notified)", "dst", dst.String(), "via", sourceDesc, "hops", e.Prio+1)
			}
		}
		return
	}

	r := c.Routes.Have(dst)
	if r != nil && r.DelRouter(srca) {
		c.Log.Info("delete route (notified)", "dst", dst.String(), "via", sourceDesc)
	}

	msg := e
	switch {
	case c.amIIAddr(dst, false):
		msg.Prio = 0
	case r != nil && !r.Empty():
		msg.Prio = r.Head().Hops
	default:
		return
	}
	c.SendZPRNMsg(msg, srca)
}

// HandleConnMgmt implements the CONNMGMT handler of spec.md §4.5.
func (c *Context) HandleConnMgmt(srca *peer.Peer, sourceDesc string, e zprn.Entry) {
	dst := e.Route
	if e.Prio == zprn.ConnMgmtOpen {
		if !c.AmIIAddr(dst) {
			if c.Routes.GetOrCreate(dst).AddRouter(timeNow(), srca, 1) {
				c.Log.Info("add route (notified)", "dst", dst.String(), "via", sourceDesc, "hops", 1)
			}
		}
		return
	}

	c.Routes.DelRouterEverywhere(srca, func(dest ia.Addr) {
		c.Log.Info("delete route (notified)", "dst", dest.String(), "via", sourceDesc)
	})
	if r := c.Routes.Have(dst); r != nil {
		r.Routers = nil
		c.Log.Info("delete route (notified)", "dst", dst.String(), "via", sourceDesc)
	}
}

// HandleProbe implements the PROBE handler of spec.md §4.5.
func (c *Context) HandleProbe(srca *peer.Peer, sourceDesc string, e zprn.Entry) {
	switch e.Prio {
	case zprn.ProbeResponse:
		if r := c.Routes.Have(e.Route); r != nil && r.DelRouter(srca) {
			c.Log.Info("delete route (notified)", "dst", e.Route.String(), "via", sourceDesc)
		}
	case zprn.ProbeReqToOthers:
		c.handleProbeReq(srca, e, false)
	case zprn.ProbeReqToRouters:
		c.handleProbeReq(srca, e, true)
	}
}

func (c *Context) handleProbeReq(srca *peer.Peer, e zprn.Entry, expectedToHR bool) {
	dwhr := false
	msg := e
	switch {
	case c.amIIAddr(e.Route, false):
		dwhr = true
		msg.Prio = 0
	default:
		if r := c.Routes.Have(e.Route); r != nil {
			dwhr = true
			msg.Prio = r.Head().Hops
			if msg.Prio == zprn.RouteModWithdraw || r.Head().Peer.Equal(srca) {
				dwhr = false
			}
		}
	}

	if dwhr {
		msg.Cmd = zprn.CmdRouteMod
	} else if !expectedToHR {
		return
	} else {
		msg.Prio = 0x00
	}
	c.Sender.EnqueueZPRN(sender.ZPRNTask{Entry: msg, Dests: []*peer.Peer{srca}, Confirmed: srca})
}

// HandleZPRN decodes and dispatches every entry of a ZPRN v2 packet
// (buf must exclude the fixed header). Parsing stops at the first
// malformed entry per spec.md §4.5.
func (c *Context) HandleZPRN(srca *peer.Peer, sourceDesc string, buf []byte) {
	entries, err := zprn.Decode(buf)
	if err != nil {
		c.Log.Warn("got incomplete ZPRNv2 packet", "source", sourceDesc, "err", err)
	}
	for _, e := range entries {
		switch e.Cmd {
		case zprn.CmdRouteMod:
			c.HandleRouteMod(srca, sourceDesc, e)
		case zprn.CmdConnMgmt:
			c.HandleConnMgmt(srca, sourceDesc, e)
		case zprn.CmdProbe:
			c.HandleProbe(srca, sourceDesc, e)
		default:
			c.Log.Warn("got unknown ZPRNv2 command", "cmd", e.Cmd)
		}
	}
}
