// Package ia implements the inner address (IA) type: the L3 address
// carried inside the tunnel, either an IPv4 or an IPv6 host address.
package ia

import (
	"net"
)

// Family distinguishes the two address shapes an Addr can hold.
type Family uint8

const (
	V4 Family = 4
	V6 Family = 6
)

// Addr is a tagged union {v4(4B), v6(16B)} with value semantics: it is
// comparable and usable as a map key.
type Addr struct {
	fam Family
	v4  [4]byte
	v6  [16]byte
}

// FromIPv4 builds an Addr from 4 raw bytes in network order.
func FromIPv4(b [4]byte) Addr {
	return Addr{fam: V4, v4: b}
}

// FromIPv6 builds an Addr from 16 raw bytes in network order.
func FromIPv6(b [16]byte) Addr {
	return Addr{fam: V6, v6: b}
}

// FromNetIP converts a net.IP into an Addr, choosing v4 or v6 based on
// whether it has a 4-byte form.
func FromNetIP(ip net.IP) (Addr, bool) {
	if v4 := ip.To4(); v4 != nil {
		var b [4]byte
		copy(b[:], v4)
		return FromIPv4(b), true
	}
	if v6 := ip.To16(); v6 != nil {
		var b [16]byte
		copy(b[:], v6)
		return FromIPv6(b), true
	}
	return Addr{}, false
}

// Family reports whether a is a v4 or v6 address.
func (a Addr) Family() Family { return a.fam }

// Bytes returns the raw address bytes (4 or 16).
func (a Addr) Bytes() []byte {
	if a.fam == V6 {
		return a.v6[:]
	}
	return a.v4[:]
}

// String renders the address in its usual textual form.
func (a Addr) String() string {
	if a.fam == V6 {
		return net.IP(a.v6[:]).String()
	}
	return net.IP(a.v4[:]).String()
}

// IsDirectBroadcast reports whether a v4 address is a direct broadcast
// address for its (unknown here) subnet: host bits all set, i.e. the low
// byte is 0xff. Only meaningful for v4; always false for v6.
func (a Addr) IsDirectBroadcast() bool {
	return a.fam == V4 && a.v4[3] == 0xff
}

// IsMulticast reports whether a falls in the multicast range: v4 high
// nibble 0xE (224.0.0.0/4), or v6 first byte 0xff.
func (a Addr) IsMulticast() bool {
	if a.fam == V4 {
		return (a.v4[0] >> 4) == 0xE
	}
	return a.v6[0] == 0xff
}

// ApplyNetmask zeroes the host bits of a address copy per mask, returning
// the masked prefix bytes (same length as the address).
func (a Addr) ApplyNetmask(mask []byte) []byte {
	b := append([]byte(nil), a.Bytes()...)
	for i := range b {
		if i < len(mask) {
			b[i] &= mask[i]
		} else {
			b[i] = 0
		}
	}
	return b
}
