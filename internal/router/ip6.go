package router

import (
	"encoding/binary"

	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
	"github.com/zrouter/z/internal/pingcache"
	"github.com/zrouter/z/internal/sender"
)

// VerifyIPv6 mirrors VerifyIPv4 for IPv6: no header checksum exists, so
// only length and loop-with-local-source checks apply.
func (c *Context) VerifyIPv6(srcIsLocal bool, buf []byte, sourceDesc string) (int, bool) {
	nread := len(buf)
	if nread < 40 {
		c.Log.Warn("too small ipv6 packet", "source", sourceDesc, "size", nread)
		return 0, false
	}
	totalLen := 40 + int(binary.BigEndian.Uint16(buf[4:6]))
	if nread < totalLen {
		c.Log.Warn("too small ipv6 packet", "source", sourceDesc, "have", nread, "want", totalLen)
		return 0, false
	}
	var srcB [16]byte
	copy(srcB[:], buf[8:24])
	if !srcIsLocal && c.AmIIAddr(ia.FromIPv6(srcB)) {
		c.Log.Warn("drop ipv6 packet (looped with local as source)", "source", sourceDesc)
		return 0, false
	}
	if nread != totalLen {
		c.Log.Warn("ipv6 packet size differs", "source", sourceDesc, "read", nread, "declared", totalLen)
	}
	return totalLen, true
}

// RouteIPv6 mirrors RouteIPv4 for IPv6 traffic. Extension headers other
// than a directly-following ICMPv6 (next-header==58) are treated as
// opaque payload, per the original's limited handling (spec.md §9 Open
// Questions, retained behaviour).
func (c *Context) RouteIPv6(sourcePeer *peer.Peer, buf []byte, sourceDesc string) {
	totalLen, ok := c.VerifyIPv6(sourcePeer.IsLocal(), buf, sourceDesc)
	if !ok {
		return
	}
	buf = buf[:totalLen]

	isICMP := buf[6] == 0x3a
	if isICMP && len(buf) < 48 {
		c.Log.Info("drop packet (too small icmp6 packet)", "source", sourceDesc)
		return
	}

	isICMPErr, rmRoute := false, false
	if isICMP {
		isICMPErr, rmRoute = classifyICMPv6(buf[40])
	}

	var srcB, dstB [16]byte
	copy(srcB[:], buf[8:24])
	copy(dstB[:], buf[24:40])
	srcIA := ia.FromIPv6(srcB)
	dstIA := ia.FromIPv6(dstB)

	if dstB[0] == 0xff {
		return // multicast destination: silent drop
	}

	srcIsLocal := sourcePeer.IsLocal()
	iamEP := srcIsLocal || c.AmIIAddr(dstIA)
	hops := buf[7]

	if hops == 0 || (!iamEP && hops == 1) {
		c.Log.Info("drop packet (too low ttl)", "source", sourceDesc, "hops", hops)
		if !isICMPErr {
			hdr := append([]byte(nil), buf[:icmpHeaderLen(len(buf), 40)]...)
			c.SendICMPv6(ICMPTTLExceeded, hdr, sourcePeer)
		}
		return
	}
	if !iamEP {
		hops--
		buf[7] = hops
	}

	dests := c.ResolveRoute(sourcePeer, srcIA, dstIA, hops, !srcIsLocal && iamEP)

	if len(dests) == 0 {
		if isICMPErr {
			return
		}
		if local := c.localAddrFor(ia.V6); local != nil {
			tmasked := dstIA.ApplyNetmask(local.Mask)
			lmasked := local.Addr.ApplyNetmask(local.Mask)
			kind := ICMPUnreachNet
			if bytesEqual(tmasked, lmasked) {
				kind = ICMPUnreachHost
			}
			hdr := append([]byte(nil), buf[:icmpHeaderLen(len(buf), 40)]...)
			c.SendICMPv6(kind, hdr, sourcePeer)
		}
		if r := c.Routes.Have(dstIA); r != nil {
			c.Log.Info("delete route (invalid)", "dst", dstIA.String())
			r.DelPrimaryRouter()
		}
		return
	}

	if isICMP {
		if isICMPErr {
			if rmRoute && len(buf) >= 88 {
				var targetB [16]byte
				copy(targetB[:], buf[72:88])
				target := ia.FromIPv6(targetB)
				if r := c.Routes.Have(target); r != nil {
					if r.DelRouter(sourcePeer) {
						c.Log.Info("delete route (unreachable)", "dst", target.String(), "via", sourceDesc)
					}
					if !r.Empty() {
						return
					}
				}
			}
		} else if len(dests) == 1 {
			id := binary.BigEndian.Uint16(buf[44:46])
			seq := binary.BigEndian.Uint16(buf[46:48])
			edat := pingcache.Data{Src: srcIA, Dst: dstIA, ID: id, Seq: seq}
			switch buf[40] {
			case 0x80: // echo request
				c.Ping.Init(timeNow(), edat, dests[0], hops)
			case 0x81: // echo reply
				m := c.Ping.Match(timeNow(), edat, sourcePeer, hops)
				if m.Ok {
					if r := c.Routes.Have(edat.Src); r != nil {
						r.UpdateRouter(timeNow(), m.Router, m.Hops, m.Diff)
					}
				}
			}
		}
	}

	flow := binary.BigEndian.Uint32(buf[0:4])
	tclass := uint8((flow >> 20) & 0xff)

	c.Sender.Enqueue(sender.DataTask{
		Buffer: buf,
		Dests:  dests,
		DF:     true,
		TOS:    tclass,
	})
}
