package router

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/zrouter/z/internal/zprn"
)

// HandleFromTun dispatches one packet read from the TUN device (the
// "local" direction). The IP version nibble in the first byte selects
// the family; anything else is dropped.
func (c *Context) HandleFromTun(buf []byte) {
	if len(buf) < 1 {
		return
	}
	switch buf[0] >> 4 {
	case 4:
		c.RouteIPv4(c.Registry.Local, buf, "tun")
	case 6:
		c.RouteIPv6(c.Registry.Local, buf, "tun")
	default:
		c.Log.Info("drop packet (unknown ip version from tun)", "version", buf[0]>>4)
	}
}

// HandleFromUDP dispatches one packet read off a data-port socket,
// keyed by the peer it arrived from. family is unix.AF_INET or
// unix.AF_INET6 (the socket's own family, used to register a new peer).
func (c *Context) HandleFromUDP(buf []byte, from netip.AddrPort, family int) {
	if len(buf) < 1 {
		return
	}

	srca, created := c.Registry.GetOrInsert(from, family)
	if created {
		c.Log.Info("new peer", "addr", srca.String())
		c.Hooks.Peer(false, srca.String())
	}
	srca.Seen = timeNow()

	switch {
	case zprn.ValidHeader(buf):
		c.HandleZPRN(srca, srca.String(), buf[4:])
	case buf[0]>>4 == 4:
		c.RouteIPv4(srca, buf, srca.String())
	case buf[0]>>4 == 6:
		c.RouteIPv6(srca, buf, srca.String())
	default:
		c.Log.Info("drop packet (unrecognised)", "source", srca.String())
	}
}

// AFInet and AFInet6 re-export the unix address-family constants used as
// peer families by this package and its tests.
const (
	AFInet  = unix.AF_INET
	AFInet6 = unix.AF_INET6
)
