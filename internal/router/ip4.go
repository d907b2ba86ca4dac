package router

import (
	"encoding/binary"

	"github.com/zrouter/z/internal/csum"
	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
	"github.com/zrouter/z/internal/pingcache"
	"github.com/zrouter/z/internal/sender"
)

// VerifyIPv4 implements spec.md §4.2's verification rules. It returns the
// header's declared total length, which the caller uses to trim buf, and
// false (after logging) if the packet must be dropped without further
// processing. buf itself is not modified.
func (c *Context) VerifyIPv4(srcIsLocal bool, buf []byte, sourceDesc string) (int, bool) {
	nread := len(buf)
	if nread < 20 {
		c.Log.Warn("too small ipv4 packet", "source", sourceDesc, "size", nread)
		return 0, false
	}
	if srcIsLocal {
		if d := csum.Sum(buf[:int(buf[0]&0x0F)*4]); d != 0 {
			c.Log.Warn("invalid ipv4 packet (wrong checksum)", "source", sourceDesc, "delta", d)
			return 0, false
		}
	}
	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if nread < totalLen {
		c.Log.Warn("too small ipv4 packet", "source", sourceDesc, "have", nread, "want", totalLen)
		return 0, false
	}
	srcIA := ia.FromIPv4([4]byte{buf[12], buf[13], buf[14], buf[15]})
	if !srcIsLocal && c.AmIIAddr(srcIA) {
		c.Log.Warn("drop packet (looped with local as source)", "source", sourceDesc)
		return 0, false
	}
	if nread != totalLen {
		c.Log.Warn("ipv4 packet size differs", "source", sourceDesc, "read", nread, "declared", totalLen)
	}
	return totalLen, true
}

// RouteIPv4 implements route_packet from the original: header
// inspection, TTL handling, route resolution, ICMP-error/echo handling,
// and the final hand-off to the sender.
func (c *Context) RouteIPv4(sourcePeer *peer.Peer, buf []byte, sourceDesc string) {
	totalLen, ok := c.VerifyIPv4(sourcePeer.IsLocal(), buf, sourceDesc)
	if !ok {
		return
	}
	buf = buf[:totalLen]

	isICMP := buf[9] == 1
	if isICMP && len(buf) < 28 {
		c.Log.Info("drop packet (too small icmp packet)", "source", sourceDesc)
		return
	}

	isICMPErr, rmRoute := false, false
	if isICMP {
		isICMPErr, rmRoute = classifyICMPv4(buf[20], buf[21])
	}

	dstIA := ia.FromIPv4([4]byte{buf[16], buf[17], buf[18], buf[19]})
	if (buf[16] >> 4) == 14 {
		return // multicast destination: silent drop
	}
	srcIA := ia.FromIPv4([4]byte{buf[12], buf[13], buf[14], buf[15]})

	srcIsLocal := sourcePeer.IsLocal()
	iamEP := srcIsLocal || c.AmIIAddr(dstIA)
	ttl := buf[8]

	if ttl == 0 || (!iamEP && ttl == 1) {
		c.Log.Info("drop packet (too low ttl)", "source", sourceDesc, "ttl", ttl)
		if !isICMPErr {
			hdr := append([]byte(nil), buf[:icmpHeaderLen(len(buf), 20)]...)
			c.SendICMPv4(ICMPTTLExceeded, hdr, sourcePeer)
		}
		return
	}
	if !iamEP {
		ttl--
		buf[8] = ttl
	}
	buf[10], buf[11] = 0, 0 // ip_sum recomputed by the sender when it writes the packet to the TUN device

	dests := c.ResolveRoute(sourcePeer, srcIA, dstIA, ttl, !srcIsLocal && iamEP)

	if len(dests) == 0 {
		if isICMPErr {
			return
		}
		if local := c.localAddrFor(ia.V4); local != nil {
			target := ia.FromIPv4([4]byte{buf[16], buf[17], buf[18], buf[19]})
			tmasked := target.ApplyNetmask(local.Mask)
			lmasked := local.Addr.ApplyNetmask(local.Mask)
			kind := ICMPUnreachNet
			if bytesEqual(tmasked, lmasked) {
				kind = ICMPUnreachHost
			}
			hdr := append([]byte(nil), buf[:icmpHeaderLen(len(buf), 20)]...)
			c.SendICMPv4(kind, hdr, sourcePeer)
		}
		if r := c.Routes.Have(dstIA); r != nil {
			c.Log.Info("delete route (invalid)", "dst", dstIA.String())
			r.DelPrimaryRouter()
		}
		return
	}

	if isICMP {
		if isICMPErr {
			if rmRoute && len(buf) >= 48 {
				target := ia.FromIPv4([4]byte{buf[44], buf[45], buf[46], buf[47]})
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
			id := binary.BigEndian.Uint16(buf[24:26])
			seq := binary.BigEndian.Uint16(buf[26:28])
			edat := pingcache.Data{Src: srcIA, Dst: dstIA, ID: id, Seq: seq}
			switch buf[20] {
			case 8: // echo request
				c.Ping.Init(timeNow(), edat, dests[0], ttl)
			case 0: // echo reply
				m := c.Ping.Match(timeNow(), edat, sourcePeer, ttl)
				if m.Ok {
					if r := c.Routes.Have(edat.Src); r != nil {
						r.UpdateRouter(timeNow(), m.Router, m.Hops, m.Diff)
					}
				}
			}
		}
	}

	c.Sender.Enqueue(sender.DataTask{
		Buffer: buf,
		Dests:  dests,
		DF:     buf[6]&0x40 != 0,
		TOS:    buf[1],
	})
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
