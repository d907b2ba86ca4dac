package router

import (
	"encoding/binary"
	"math/rand"

	"github.com/zrouter/z/internal/csum"
	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
	"github.com/zrouter/z/internal/sender"
)

// ICMPError is the kind of synthesised ICMP/ICMPv6 error message, per
// spec.md §4.4.
type ICMPError int

const (
	ICMPTTLExceeded ICMPError = iota
	ICMPUnreachHost
	ICMPUnreachNet
)

// classifyICMPv4 reports whether an IPv4 ICMP message is itself an error
// message (vs. e.g. echo/reply, which should be allowed to establish a
// route), and whether — if it is an error — it should trigger route
// withdrawal (TTL-exceeded-in-transit, or UNREACH host/net).
func classifyICMPv4(icmpType, icmpCode byte) (isErr, rmRoute bool) {
	switch icmpType {
	case 0, 8, 9, 10, 13, 14: // echo reply, echo, router advert/select, timestamp(+reply)
		return false, false
	case 11: // time exceeded
		return true, icmpCode == 0 // TTL exceeded in transit
	case 3: // destination unreachable
		switch icmpCode {
		case 0, 1: // net, host unreachable
			return true, true
		default:
			return true, false
		}
	default:
		return true, false
	}
}

// classifyICMPv6 mirrors classifyICMPv4 for ICMPv6: any message without
// the high bit set in its type is an error message (request/informational
// messages have type >= 128); of those, type exceeded (3) and
// destination-unreachable (1) trigger route withdrawal.
func classifyICMPv6(icmpType byte) (isErr, rmRoute bool) {
	isErr = icmpType&0x80 == 0
	if !isErr {
		return false, false
	}
	switch icmpType {
	case 1, 3:
		return true, true
	default:
		return true, false
	}
}

// icmpHeaderLen returns how much of buf to embed in a synthesised ICMP
// error: the full header plus up to 8 trailing bytes of the original
// payload, capped to what's actually available.
func icmpHeaderLen(buflen, hdrlen int) int {
	n := hdrlen + 8
	if n > buflen {
		n = buflen
	}
	return n
}

// SendICMPv4 synthesises an ICMPv4 error message back toward the
// original source, routed as if it came from the local peer. origHeader
// is the original IP header followed by up to 8 bytes of its payload (see
// icmpHeaderLen) and is embedded as-is.
func (c *Context) SendICMPv4(kind ICMPError, origHeader []byte, sourcePeer *peer.Peer) {
	local := c.localAddrFor(ia.V4)
	if local == nil {
		return
	}
	buflen := 20 + 8 + len(origHeader)
	buf := make([]byte, buflen)

	// outer IPv4 header
	buf[0] = 0x45
	binary.BigEndian.PutUint16(buf[2:4], uint16(buflen))
	binary.BigEndian.PutUint16(buf[4:6], uint16(rand.Intn(1<<16)))
	buf[8] = MaxTTL
	buf[9] = 1 // IPPROTO_ICMP
	copy(buf[12:16], local.Addr.Bytes())
	copy(buf[16:20], origHeader[12:16]) // orig source becomes our dest

	icmp := buf[20:28]
	switch kind {
	case ICMPTTLExceeded:
		icmp[0], icmp[1] = 11, 0
	case ICMPUnreachHost:
		icmp[0], icmp[1] = 3, 1
	case ICMPUnreachNet:
		icmp[0], icmp[1] = 3, 0
	}
	sum := csum.Sum(icmp)
	icmp[2] = byte(sum >> 8)
	icmp[3] = byte(sum)

	copy(buf[28:], origHeader)

	c.Sender.Enqueue(sender.DataTask{Buffer: buf, Dests: []*peer.Peer{sourcePeer}})
}

// SendICMPv6 synthesises an ICMPv6 error message back toward the
// original source. origHeader is embedded as-is, as in SendICMPv4.
func (c *Context) SendICMPv6(kind ICMPError, origHeader []byte, sourcePeer *peer.Peer) {
	local := c.localAddrFor(ia.V6)
	if local == nil {
		return
	}
	buflen := 40 + 8 + len(origHeader)
	buf := make([]byte, buflen)

	buf[0] = 0x60
	binary.BigEndian.PutUint16(buf[4:6], uint16(buflen-40))
	buf[6] = 0x3a // next header = ICMPv6
	buf[7] = MaxTTL
	copy(buf[8:24], local.Addr.Bytes())
	copy(buf[24:40], origHeader[8:24]) // orig source becomes our dest

	icmp := buf[40:48]
	switch kind {
	case ICMPTTLExceeded:
		icmp[0], icmp[1] = 3, 0
	case ICMPUnreachHost:
		icmp[0], icmp[1] = 1, 0
	case ICMPUnreachNet:
		icmp[0], icmp[1] = 1, 3
	}

	copy(buf[48:], origHeader)

	// ICMPv6 checksum over the standard pseudo-header: src+dst, payload
	// length, next=58, zero padding, then the ICMPv6 message itself.
	pseudo := make([]byte, 0, 40+len(buf)-40)
	pseudo = append(pseudo, buf[8:40]...) // src+dst
	var plBuf [4]byte
	binary.BigEndian.PutUint32(plBuf[:], uint32(len(buf)-40))
	pseudo = append(pseudo, plBuf[:]...)
	pseudo = append(pseudo, 0, 0, 0, 58)
	pseudo = append(pseudo, buf[40:]...)
	sum := csum.Sum(pseudo)
	icmp[2] = byte(sum >> 8)
	icmp[3] = byte(sum)

	c.Sender.Enqueue(sender.DataTask{Buffer: buf, Dests: []*peer.Peer{sourcePeer}, DF: true})
}
