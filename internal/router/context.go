// Package router implements the packet router core: ingress from TUN or
// UDP, L3 header inspection, TTL handling, ICMP error synthesis, route
// lookup and per-flow forwarding, plus the ZPRN v2 control-plane
// handlers. Grounded in the original zprd main.cxx route_packet /
// route6_packet / resolve_route / zprn_v2_*_handler and spec.md §4.
package router

import (
	"log/slog"
	"time"

	"github.com/zrouter/z/internal/config"
	"github.com/zrouter/z/internal/hooks"
	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
	"github.com/zrouter/z/internal/pingcache"
	"github.com/zrouter/z/internal/routes"
	"github.com/zrouter/z/internal/sender"
)

// MaxTTL is the TTL value used for locally-synthesised packets (ICMP
// error replies) and as the baseline the hop count derived from an
// ingress TTL is measured against (spec.md §4.2's "add_router(...,
// am_ii_addr ? 0 : MAXTTL-TTL)"). Not specified numerically by spec.md;
// 255 (the full range of the TTL byte) is the value used here — see
// DESIGN.md Open Questions.
const MaxTTL = 255

// LocalAddr is one address assigned to (or routed via) the TUN device.
type LocalAddr struct {
	Addr ia.Addr
	Mask []byte // same length as Addr.Bytes()
}

// Context is the explicit struct threading every piece of shared state
// the router goroutine owns, replacing the original's module-level
// globals (design notes: "thread global state through an explicit
// RouterContext").
type Context struct {
	Config *config.Config

	Registry *peer.Registry
	Routes   *routes.Table
	Ping     pingcache.Cache
	Sender   *sender.Sender
	Hooks    *hooks.Runner

	Locals               []LocalAddr
	ExportedLocals       map[ia.Addr]struct{}
	BlockedBroadcastDsts map[ia.Addr]struct{}

	PreferredAF config.AddressFamily

	Log *slog.Logger

	lastPeerCleanup time.Time
}

// amIIAddr reports whether o is one of our TUN-assigned addresses or,
// when withExported is true, one of our exported-local addresses.
// withExported=false restricts the check to the TUN-assigned addresses;
// it is used for the hop-count-0 case of route learning in ResolveRoute
// and for the "route to us" replies of the ZPRN ROUTEMOD and PROBE
// handlers.
func (c *Context) amIIAddr(o ia.Addr, withExported bool) bool {
	for _, l := range c.Locals {
		if l.Addr == o {
			return true
		}
	}
	if withExported {
		if _, ok := c.ExportedLocals[o]; ok {
			return true
		}
	}
	return false
}

// AmIIAddr is the exported form of the "am I this address" predicate
// used across ingress/route/ZPRN handling (locals ∪ exported_locals by
// default).
func (c *Context) AmIIAddr(o ia.Addr) bool { return c.amIIAddr(o, true) }

// localAddrFor returns the configured local address for the given
// preferred family, or nil.
func (c *Context) localAddrFor(fam ia.Family) *LocalAddr {
	for i := range c.Locals {
		if c.Locals[i].Addr.Family() == fam {
			return &c.Locals[i]
		}
	}
	return nil
}

// HaveRoute returns the existing, non-empty route for dst, or nil.
func (c *Context) HaveRoute(dst ia.Addr) *routes.Route {
	return c.Routes.Have(dst)
}
