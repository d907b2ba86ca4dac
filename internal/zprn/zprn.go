// Package zprn implements the ZPRN v2 control protocol codec: one fixed
// header followed by N variable-length TLV entries, carried on the same
// UDP data port as tunnel traffic. Grounded in spec.md §4.5 and the
// original zprn.cxx/zprn.hpp (header validity, entry sizing).
package zprn

import (
	"encoding/binary"
	"errors"

	"github.com/zrouter/z/internal/ia"
)

// Magic/version identify a ZPRN v2 packet on the wire.
const (
	Magic   = 0x00
	Version = 0x02

	headerLen = 4 // magic u8, version u8, reserved u16
	entryHead = 4 // cmd u8, prio u8, ia-type u16
)

// Cmd is the ZPRN entry command.
type Cmd uint8

const (
	CmdRouteMod Cmd = iota
	CmdConnMgmt
	CmdProbe
)

// Prio semantics, by Cmd:
const (
	// ROUTEMOD: 0..0xFE = hop count to advertise; 0xFF = withdraw.
	RouteModWithdraw uint8 = 0xFF

	// CONNMGMT: open/close a peer relationship.
	ConnMgmtOpen  uint8 = 0x00
	ConnMgmtClose uint8 = 0x01

	// PROBE: 0x00 = probe response (dead end); 0xFE = probe req to
	// routers only; 0xFF = probe req to non-routers.
	ProbeResponse     uint8 = 0x00
	ProbeReqToRouters uint8 = 0xFE
	ProbeReqToOthers  uint8 = 0xFF
)

// Entry is one decoded TLV: a command + priority acting on a route.
type Entry struct {
	Cmd   Cmd
	Prio  uint8
	Route ia.Addr
}

// needed reports the on-wire size of this entry: 2 + 2 + {4|16}.
func (e Entry) needed() int {
	if e.Route.Family() == ia.V6 {
		return entryHead + 16
	}
	return entryHead + 4
}

// ValidHeader reports whether the first headerLen bytes of buf form a
// valid ZPRN v2 header: magic==0 and version==2. Other versions are
// rejected by the caller, which ignores the whole packet.
func ValidHeader(buf []byte) bool {
	return len(buf) >= headerLen && buf[0] == Magic && buf[1] == Version
}

// EncodeHeader appends the wire header to dst.
func EncodeHeader(dst []byte) []byte {
	return append(dst, Magic, Version, 0, 0)
}

// EncodeEntry appends one TLV entry to dst.
func EncodeEntry(dst []byte, e Entry) []byte {
	iaType := uint16(4)
	if e.Route.Family() == ia.V6 {
		iaType = 6
	}
	dst = append(dst, byte(e.Cmd), e.Prio)
	var typeBuf [2]byte
	binary.BigEndian.PutUint16(typeBuf[:], iaType)
	dst = append(dst, typeBuf[:]...)
	dst = append(dst, e.Route.Bytes()...)
	return dst
}

// ErrTruncated is returned (as a warning to the caller) when an entry
// extends past the buffer end; parsing stops at the first malformed
// entry, per spec.md §4.5.
var ErrTruncated = errors.New("zprn: entry extends past buffer end")

// Decode parses every well-formed entry out of buf (buf must NOT include
// the header; callers check ValidHeader first and slice past it). It
// returns the entries successfully parsed and, if parsing stopped early
// because an entry ran past the buffer end or carried an IA type other
// than 4 or 6, ErrTruncated.
func Decode(buf []byte) ([]Entry, error) {
	var out []Entry
	for len(buf) > 0 {
		if len(buf) < entryHead {
			return out, ErrTruncated
		}
		cmd := Cmd(buf[0])
		prio := buf[1]
		iaType := binary.BigEndian.Uint16(buf[2:4])

		var addrLen int
		switch iaType {
		case 4:
			addrLen = 4
		case 6:
			addrLen = 16
		default:
			return out, ErrTruncated
		}

		total := entryHead + addrLen
		if len(buf) < total {
			return out, ErrTruncated
		}

		var addr ia.Addr
		if addrLen == 4 {
			var b [4]byte
			copy(b[:], buf[entryHead:total])
			addr = ia.FromIPv4(b)
		} else {
			var b [16]byte
			copy(b[:], buf[entryHead:total])
			addr = ia.FromIPv6(b)
		}

		out = append(out, Entry{Cmd: cmd, Prio: prio, Route: addr})
		buf = buf[total:]
	}
	return out, nil
}
