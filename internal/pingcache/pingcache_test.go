package pingcache

import (
	"net/netip"
	"testing"
	"time"

	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
)

func TestInitMatchBijective(t *testing.T) {
	var c Cache
	src := ia.FromIPv4([4]byte{10, 0, 0, 5})
	dst := ia.FromIPv4([4]byte{10, 0, 0, 9})
	router := peer.New(netip.MustParseAddrPort("10.1.1.1:45940"), 2)

	start := time.Now()
	c.Init(start, Data{Src: src, Dst: dst, ID: 1, Seq: 1}, router, 62)

	later := start.Add(20 * time.Millisecond)
	m := c.Match(later, Data{Src: dst, Dst: src, ID: 1, Seq: 1}, router, 61)
	if !m.Ok {
		t.Fatal("expected match")
	}
	if m.Hops != 2 {
		t.Fatalf("expected hops=2 (62-61+1), got %d", m.Hops)
	}
	if m.Diff < 15 || m.Diff > 30 {
		t.Fatalf("expected ~20ms diff, got %f", m.Diff)
	}

	// slot must now be empty: a second match attempt fails.
	m2 := c.Match(later, Data{Src: dst, Dst: src, ID: 1, Seq: 1}, router, 61)
	if m2.Ok {
		t.Fatal("expected slot to be empty after a successful match")
	}
}

func TestMatchRejectsWrongRouter(t *testing.T) {
	var c Cache
	src := ia.FromIPv4([4]byte{10, 0, 0, 5})
	dst := ia.FromIPv4([4]byte{10, 0, 0, 9})
	router := peer.New(netip.MustParseAddrPort("10.1.1.1:45940"), 2)
	other := peer.New(netip.MustParseAddrPort("10.1.1.2:45940"), 2)

	now := time.Now()
	c.Init(now, Data{Src: src, Dst: dst, ID: 1, Seq: 1}, router, 62)
	m := c.Match(now, Data{Src: dst, Dst: src, ID: 1, Seq: 1}, other, 61)
	if m.Ok {
		t.Fatal("expected no match through a different peer")
	}
}
