package routes

import (
	"net/netip"
	"testing"
	"time"

	"github.com/zrouter/z/internal/peer"
)

func mkPeer(port uint16) *peer.Peer {
	return peer.New(netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port), 2)
}

func TestAddRouterFreshAndHopUpdate(t *testing.T) {
	now := time.Now()
	r := &Route{}
	p1 := mkPeer(1)
	if !r.AddRouter(now, p1, 3) {
		t.Fatal("expected fresh insertion")
	}
	if r.AddRouter(now, p1, 4) {
		t.Fatal("expected update, not insertion")
	}
	if r.Routers[0].Hops != 4 {
		t.Fatalf("expected hops updated to 4, got %d", r.Routers[0].Hops)
	}
}

func TestHopJumpArtifactIgnored(t *testing.T) {
	now := time.Now()
	r := &Route{}
	p1 := mkPeer(1)
	r.AddRouter(now, p1, 2)
	r.AddRouter(now, p1, 2+0xbe)
	if r.Routers[0].Hops != 2 {
		t.Fatalf("expected hop jump of 0xbe to be ignored, got %d", r.Routers[0].Hops)
	}
	r.AddRouter(now, p1, 2+0xbf)
	if r.Routers[0].Hops != 2 {
		t.Fatalf("expected hop jump of 0xbf to be ignored, got %d", r.Routers[0].Hops)
	}
	r.AddRouter(now, p1, 9)
	if r.Routers[0].Hops != 9 {
		t.Fatalf("expected legitimate hop update to 9, got %d", r.Routers[0].Hops)
	}
}

func TestCleanupSortOrder(t *testing.T) {
	now := time.Now()
	r := &Route{}
	p1, p2, p3 := mkPeer(1), mkPeer(2), mkPeer(3)
	r.Routers = []*ViaRouter{
		{Peer: p1, Seen: now, Hops: 2, Latency: 5},
		{Peer: p2, Seen: now, Hops: 1, Latency: 10},
		{Peer: p3, Seen: now.Add(-time.Second), Hops: 1, Latency: 10},
	}
	r.Cleanup(now, time.Hour, func(*peer.Peer) {})
	if len(r.Routers) != 3 {
		t.Fatalf("expected no eviction, got %d", len(r.Routers))
	}
	if r.Routers[0].Hops != 1 || r.Routers[0].Peer != p2 {
		t.Fatalf("expected p2 (more recent, same hops/latency) first, got %+v", r.Routers[0])
	}
}

func TestCleanupEvictsStale(t *testing.T) {
	now := time.Now()
	r := &Route{}
	p1 := mkPeer(1)
	r.Routers = []*ViaRouter{{Peer: p1, Seen: now.Add(-time.Hour), Hops: 1}}
	var removed *peer.Peer
	r.Cleanup(now, time.Minute, func(p *peer.Peer) { removed = p })
	if !r.Empty() {
		t.Fatal("expected stale router evicted")
	}
	if removed != p1 {
		t.Fatal("expected onRemoved callback with evicted peer")
	}
}

func TestSwapNearRouters(t *testing.T) {
	now := time.Now()
	r := &Route{}
	p1, p2 := mkPeer(1), mkPeer(2)
	r.Routers = []*ViaRouter{
		{Peer: p1, Seen: now, Hops: 2, Latency: 10},
		{Peer: p2, Seen: now, Hops: 3, Latency: 12},
	}
	r.SwapNearRouters(5)
	if r.Routers[0].Peer != p2 {
		t.Fatal("expected swap when within max_near_rtt")
	}
	r.SwapNearRouters(0)
	if r.Routers[0].Peer != p2 {
		t.Fatal("expected swap to stay inert and not revert when max_near_rtt=0")
	}
}

func TestDelRouterAndPrimary(t *testing.T) {
	r := &Route{}
	p1, p2 := mkPeer(1), mkPeer(2)
	now := time.Now()
	r.AddRouter(now, p1, 1)
	r.AddRouter(now, p2, 1)
	if !r.DelRouter(p1) {
		t.Fatal("expected removal")
	}
	if len(r.Routers) != 1 {
		t.Fatalf("expected one router left, got %d", len(r.Routers))
	}
	r.DelPrimaryRouter()
	if !r.Empty() {
		t.Fatal("expected route empty after popping last router")
	}
}
