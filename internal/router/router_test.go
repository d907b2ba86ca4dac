package router

import (
	"encoding/binary"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/zrouter/z/internal/config"
	"github.com/zrouter/z/internal/csum"
	"github.com/zrouter/z/internal/hooks"
	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/peer"
	"github.com/zrouter/z/internal/routes"
	"github.com/zrouter/z/internal/sender"
	"github.com/zrouter/z/internal/zprn"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestContext(t *testing.T) *Context {
	t.Helper()
	snd, err := sender.New(discardWriter{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("sender.New: %v", err)
	}
	return &Context{
		Config:   config.Default(),
		Registry: peer.NewRegistry(),
		Routes:   routes.NewTable(),
		Sender:   snd,
		Hooks:    &hooks.Runner{Log: discardLogger()},
		Locals: []LocalAddr{
			{Addr: ia.FromIPv4([4]byte{10, 0, 0, 1}), Mask: []byte{255, 255, 255, 0}},
		},
		Log: discardLogger(),
	}
}

func mustPeer(ip string, port uint16, family int) *peer.Peer {
	addr := netip.MustParseAddr(ip)
	return peer.New(netip.AddrPortFrom(addr, port), family)
}

func buildIPv4(ttl, proto byte, src, dst [4]byte, payload []byte) []byte {
	buf := make([]byte, 20+len(payload))
	buf[0] = 0x45
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	buf[8] = ttl
	buf[9] = proto
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	copy(buf[20:], payload)
	binary.BigEndian.PutUint16(buf[10:12], csum.Sum(buf[:20]))
	return buf
}

func buildICMP(icmpType, code byte, id, seq uint16) []byte {
	b := make([]byte, 8)
	b[0], b[1] = icmpType, code
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], seq)
	return b
}

// S1: a data packet crossing a peer records that peer as a via-router for
// its source address, with hops derived from TTL.
func TestResolveRouteLearnsSource(t *testing.T) {
	c := newTestContext(t)
	remote := mustPeer("192.0.2.1", 45940, AFInet)
	srcIA := ia.FromIPv4([4]byte{10, 0, 0, 5})
	dstIA := ia.FromIPv4([4]byte{10, 0, 0, 1})

	c.ResolveRoute(remote, srcIA, dstIA, 60, true)

	r := c.Routes.Have(srcIA)
	if r == nil || r.Empty() {
		t.Fatalf("expected a learned route to %s", srcIA)
	}
	if got := r.Head().Hops; got != MaxTTL-60 {
		t.Errorf("hops = %d, want %d", got, MaxTTL-60)
	}
	if !r.Head().Peer.Equal(remote) {
		t.Errorf("via-router = %s, want %s", r.Head().Peer, remote)
	}
}

// S2: a ROUTEMOD advertisement adds a route with hops+1, and a matching
// withdrawal removes it again.
func TestHandleRouteModAddAndWithdraw(t *testing.T) {
	c := newTestContext(t)
	via := mustPeer("192.0.2.2", 45940, AFInet)
	dst := ia.FromIPv4([4]byte{10, 0, 1, 5})

	c.HandleRouteMod(via, via.String(), zprn.Entry{Cmd: zprn.CmdRouteMod, Prio: 2, Route: dst})
	r := c.Routes.Have(dst)
	if r == nil || r.Empty() {
		t.Fatalf("expected route to %s after ROUTEMOD", dst)
	}
	if got := r.Head().Hops; got != 3 {
		t.Errorf("hops = %d, want 3", got)
	}

	c.HandleRouteMod(via, via.String(), zprn.Entry{Cmd: zprn.CmdRouteMod, Prio: zprn.RouteModWithdraw, Route: dst})
	if r := c.Routes.Have(dst); r != nil {
		t.Errorf("expected route to %s withdrawn, still have %v", dst, r)
	}
}

// S3: a packet arriving with TTL==1 destined elsewhere is dropped and a
// TTL-exceeded ICMP error is sent back to the sender.
func TestRouteIPv4TTLExceeded(t *testing.T) {
	c := newTestContext(t)
	remote := mustPeer("192.0.2.3", 45940, AFInet)

	buf := buildIPv4(1, 17, [4]byte{192, 168, 1, 1}, [4]byte{8, 8, 8, 8}, []byte{1, 2, 3, 4})
	c.RouteIPv4(remote, buf, remote.String())

	data, _ := c.Sender.Pending()
	if len(data) != 1 {
		t.Fatalf("expected 1 queued packet, got %d", len(data))
	}
	task := data[0]
	if len(task.Dests) != 1 || !task.Dests[0].Equal(remote) {
		t.Fatalf("expected ICMP reply routed back to %s, got %v", remote, task.Dests)
	}
	if len(task.Buffer) < 28 || task.Buffer[20] != 11 {
		t.Errorf("expected ICMP type 11 (time exceeded), got %v", task.Buffer)
	}
}

// S4: a packet with no known route to a destination outside the local
// subnet triggers a net-unreachable ICMP error.
func TestRouteIPv4NoRouteUnreachable(t *testing.T) {
	c := newTestContext(t)
	remote := mustPeer("192.0.2.4", 45940, AFInet)

	buf := buildIPv4(5, 17, [4]byte{192, 168, 1, 1}, [4]byte{203, 0, 113, 9}, []byte{1, 2, 3, 4})
	c.RouteIPv4(remote, buf, remote.String())

	data, _ := c.Sender.Pending()
	if len(data) != 1 {
		t.Fatalf("expected 1 queued ICMP packet, got %d", len(data))
	}
	buffer := data[0].Buffer
	if len(buffer) < 22 || buffer[20] != 3 || buffer[21] != 0 {
		t.Errorf("expected ICMP dest-unreachable/net (type 3 code 0), got type=%d code=%d", buffer[20], buffer[21])
	}
}

// S5: a measured echo/reply round trip updates the route's latency via
// the ping cache.
func TestPingCacheMeasuresLatency(t *testing.T) {
	c := newTestContext(t)
	via := mustPeer("192.0.2.5", 45940, AFInet)
	// our own tunnel address, the echo's originator
	c.Locals = append(c.Locals, LocalAddr{Addr: ia.FromIPv4([4]byte{10, 0, 2, 1}), Mask: []byte{255, 255, 255, 255}})
	dstIA := ia.FromIPv4([4]byte{10, 0, 2, 2})

	// pre-seed a single via-router so ResolveRoute returns exactly one
	// destination, the precondition for ping-cache tracking.
	c.Routes.GetOrCreate(dstIA).AddRouter(timeNow(), via, 1)

	start := time.Now()
	timeNow = func() time.Time { return start }
	defer func() { timeNow = time.Now }()

	echoReq := buildICMP(8, 0, 42, 1)
	reqBuf := buildIPv4(60, 1, [4]byte{10, 0, 2, 1}, [4]byte{10, 0, 2, 2}, echoReq)
	c.RouteIPv4(c.Registry.Local, reqBuf, "tun")

	timeNow = func() time.Time { return start.Add(25 * time.Millisecond) }
	echoReply := buildICMP(0, 0, 42, 1)
	replyBuf := buildIPv4(60, 1, [4]byte{10, 0, 2, 2}, [4]byte{10, 0, 2, 1}, echoReply)
	c.RouteIPv4(via, replyBuf, via.String())

	r := c.Routes.Have(dstIA)
	if r == nil || r.Empty() {
		t.Fatalf("expected a route to %s still present", dstIA)
	}
	if r.Head().Latency <= 0 {
		t.Errorf("expected a positive measured latency, got %v", r.Head().Latency)
	}
}

// S6: Tick ages out a peer that hasn't been seen within remote_timeout,
// removing it from the registry and withdrawing any route it solely
// provided.
func TestTickAgesOutStalePeer(t *testing.T) {
	c := newTestContext(t)
	c.Config.RemoteTimeoutSeconds = 60

	stale := mustPeer("192.0.2.6", 45940, AFInet)
	realPeer := c.Registry.Add(stale.Addr(), AFInet, -1)
	realPeer.Seen = time.Now().Add(-time.Hour)

	alive := mustPeer("192.0.2.7", 45940, AFInet)
	c.Registry.Add(alive.Addr(), AFInet, -1).Seen = time.Now()

	dst := ia.FromIPv4([4]byte{10, 0, 3, 1})
	c.Routes.GetOrCreate(dst).AddRouter(time.Now(), realPeer, 1)
	c.Routes.All()[dst].ConsumeFreshAdd()

	c.Tick()

	if p := c.Registry.Lookup(stale.Addr(), AFInet); p != nil {
		t.Errorf("expected stale peer removed from registry, still present: %s", p)
	}
	if r := c.Routes.Have(dst); r != nil {
		t.Errorf("expected route to %s withdrawn once its only router aged out", dst)
	}

	_, zprnMsgs := c.Sender.Pending()
	found := false
	for _, m := range zprnMsgs {
		if m.Entry.Cmd == zprn.CmdRouteMod && m.Entry.Prio == zprn.RouteModWithdraw && m.Entry.Route == dst {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a ROUTEMOD withdrawal to be queued for %s", dst)
	}
}

// Tick probes a route whose head via-router is stale but not yet old
// enough to be dropped by Routes.Cleanup, instead of re-advertising it.
func TestTickProbesStaleRoute(t *testing.T) {
	c := newTestContext(t)
	c.Config.RemoteTimeoutSeconds = 60

	via := c.Registry.Add(mustPeer("192.0.2.8", 45940, AFInet).Addr(), AFInet, -1)
	via.Seen = time.Now()
	other := c.Registry.Add(mustPeer("192.0.2.9", 45940, AFInet).Addr(), AFInet, -1)
	other.Seen = time.Now()

	dst := ia.FromIPv4([4]byte{10, 0, 4, 1})
	r := c.Routes.GetOrCreate(dst)
	r.AddRouter(time.Now(), via, 2)
	r.ConsumeFreshAdd()
	// Older than remote_timeout (would trigger a probe) but younger than
	// 2*remote_timeout (would be dropped outright by Routes.Cleanup).
	r.Head().Seen = time.Now().Add(-90 * time.Second)

	c.Tick()

	if rr := c.Routes.Have(dst); rr == nil || rr.Empty() {
		t.Fatalf("expected route to %s to survive (only probed, not dropped)", dst)
	}

	_, zprnMsgs := c.Sender.Pending()
	var sawToRouters, sawToOthers bool
	for _, m := range zprnMsgs {
		if m.Entry.Cmd != zprn.CmdProbe || m.Entry.Route != dst {
			continue
		}
		switch m.Entry.Prio {
		case zprn.ProbeReqToRouters:
			sawToRouters = len(m.Dests) == 1 && m.Dests[0].Equal(via)
		case zprn.ProbeReqToOthers:
			sawToOthers = len(m.Dests) == 1 && m.Dests[0].Equal(other)
		}
	}
	if !sawToRouters {
		t.Errorf("expected a PROBE to the route's own router for %s", dst)
	}
	if !sawToOthers {
		t.Errorf("expected a PROBE to other remotes for %s", dst)
	}

	for _, m := range zprnMsgs {
		if m.Entry.Cmd == zprn.CmdRouteMod && m.Entry.Route == dst {
			t.Errorf("did not expect a ROUTEMOD for a merely-stale (not withdrawn) route: %+v", m.Entry)
		}
	}
}
