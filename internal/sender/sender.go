// Package sender implements the dedicated sender subsystem: a worker
// goroutine that serialises outbound traffic, batches ZPRN entries per
// destination, and manages per-packet DF/TOS socket state. Grounded in
// the original zprd sender.cxx and spec.md §4.8.
package sender

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/zrouter/z/internal/csum"
	"github.com/zrouter/z/internal/peer"
	"github.com/zrouter/z/internal/zprn"
)

// maxZPRNBuf is the IPv6-safe MTU budget a single ZPRN buffer may reach
// before a new one is started, per spec.md §4.8.
const maxZPRNBuf = 1232

// TunWriter is the minimal surface the sender needs to deliver a packet
// back to the TUN device.
type TunWriter interface {
	Write(p []byte) (int, error)
}

// DataTask is one outbound (possibly forwarded) IP packet.
type DataTask struct {
	Buffer []byte
	Dests  []*peer.Peer
	DF     bool
	TOS    uint8
}

// ZPRNTask is one outbound ZPRN entry plus its destination set.
type ZPRNTask struct {
	Entry     zprn.Entry
	Dests     []*peer.Peer
	Confirmed *peer.Peer
}

type socket struct {
	conn   *net.UDPConn
	fd     int
	family int
	pc4    *ipv4.PacketConn
	pc6    *ipv6.PacketConn
}

// Sender owns all writing: one worker goroutine, two FIFO queues shared
// with the router goroutine under a single mutex + condition variable.
type Sender struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tasks    []DataTask
	zprnMsgs []ZPRNTask
	stop     bool

	sockets map[int]*socket
	tun     TunWriter
	log     *slog.Logger
}

// New creates a Sender bound to the given per-family UDP sockets and the
// TUN writer it falls back to for locally-destined packets.
func New(tun TunWriter, conns map[int]*net.UDPConn, log *slog.Logger) (*Sender, error) {
	s := &Sender{
		sockets: make(map[int]*socket, len(conns)),
		tun:     tun,
		log:     log,
	}
	s.cond = sync.NewCond(&s.mu)

	for family, conn := range conns {
		sc := &socket{conn: conn, family: family}
		if rc, err := conn.SyscallConn(); err == nil {
			_ = rc.Control(func(fd uintptr) { sc.fd = int(fd) })
		}
		switch family {
		case unix.AF_INET:
			sc.pc4 = ipv4.NewPacketConn(conn)
		case unix.AF_INET6:
			sc.pc6 = ipv6.NewPacketConn(conn)
		}
		s.sockets[family] = sc
	}
	return s, nil
}

// Enqueue queues one outbound data packet. Per spec.md §4.8: if the
// destination list's first entry is the local peer, it is cleared so the
// worker writes to TUN instead.
func (s *Sender) Enqueue(t DataTask) {
	if len(t.Dests) == 0 {
		return
	}
	if t.Dests[0].IsLocal() {
		t.Dests = nil
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	s.cond.Signal()
}

// EnqueueZPRN queues one outbound ZPRN entry, dropping nil/local
// destinations. No-op if the resulting destination list is empty.
func (s *Sender) EnqueueZPRN(t ZPRNTask) {
	dests := t.Dests[:0]
	for _, d := range t.Dests {
		if d != nil && !d.IsLocal() {
			dests = append(dests, d)
		}
	}
	t.Dests = dests
	if len(t.Dests) == 0 {
		return
	}
	s.mu.Lock()
	s.zprnMsgs = append(s.zprnMsgs, t)
	s.mu.Unlock()
	s.cond.Signal()
}

// Pending returns a snapshot of the currently queued tasks without
// starting the worker loop, for tests that exercise enqueue-time
// behavior in isolation.
func (s *Sender) Pending() (data []DataTask, zprnMsgs []ZPRNTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DataTask(nil), s.tasks...), append([]ZPRNTask(nil), s.zprnMsgs...)
}

// Stop signals the worker to drain its queues and exit.
func (s *Sender) Stop() {
	s.mu.Lock()
	s.stop = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func sockaddrFromAddrPort(a netip.AddrPort) unix.Sockaddr {
	if a.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(a.Port()), Addr: a.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(a.Port()), Addr: a.Addr().As16()}
}

// Run is the worker loop; it blocks until Stop is called and the queues
// have drained. Call it in its own goroutine.
func (s *Sender) Run() {
	confirmed := make(map[*peer.Peer]struct{})
	var df bool
	var tos uint8
	gotError := false

	setDF := func(v bool) {
		if sc, ok := s.sockets[unix.AF_INET]; ok {
			val := 0
			if v {
				val = unix.IP_PMTUDISC_DO
			} else {
				val = unix.IP_PMTUDISC_DONT
			}
			if err := unix.SetsockoptInt(sc.fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, val); err != nil {
				s.log.Warn("setsockopt IP_MTU_DISCOVER failed", "err", err)
			}
		}
		df = v
	}
	setTOS := func(v uint8) {
		if sc, ok := s.sockets[unix.AF_INET]; ok {
			if err := sc.pc4.SetTOS(int(v)); err != nil {
				s.log.Warn("setsockopt IP_TOS failed", "err", err)
				gotError = true
			}
		}
		if sc, ok := s.sockets[unix.AF_INET6]; ok {
			if err := sc.pc6.SetTrafficClass(int(v)); err != nil {
				s.log.Warn("setsockopt IPV6_TCLASS failed", "err", err)
				gotError = true
			}
		}
		tos = v
	}

	sendToPeer := func(p *peer.Peer, buf []byte) {
		_, isConfirmed := confirmed[p]
		if isConfirmed {
			delete(confirmed, p)
		}
		sc, ok := s.sockets[p.Family()]
		if !ok {
			s.log.Error("sender: destination peer with unknown address family", "family", p.Family())
			return
		}
		flags := 0
		if isConfirmed {
			flags = unix.MSG_CONFIRM
		}
		sa := sockaddrFromAddrPort(p.Addr())
		if err := unix.Sendto(sc.fd, buf, flags, sa); err != nil {
			s.log.Warn("sendto failed", "peer", p.String(), "err", err)
			gotError = true
		}
	}

	setDF(false)
	setTOS(0)

	for {
		s.mu.Lock()
		for len(s.tasks) == 0 && len(s.zprnMsgs) == 0 && !s.stop {
			s.cond.Wait()
		}
		if len(s.tasks) == 0 && len(s.zprnMsgs) == 0 {
			s.mu.Unlock()
			return
		}
		tasks := s.tasks
		zprnMsgs := s.zprnMsgs
		s.tasks = nil
		s.zprnMsgs = nil
		s.mu.Unlock()

		gotError = false

		for _, t := range tasks {
			if len(t.Dests) == 0 {
				buf := t.Buffer
				if len(buf) >= 20 && buf[0]>>4 == 4 {
					buf[10], buf[11] = 0, 0
					sum := csum.Sum(buf[:int(buf[0]&0x0F)*4])
					buf[10] = byte(sum >> 8)
					buf[11] = byte(sum)
				}
				if _, err := s.tun.Write(buf); err != nil {
					s.log.Warn("tun write failed", "err", err)
					gotError = true
				}
				continue
			}

			if tos != t.TOS {
				setTOS(t.TOS)
			}
			if df != t.DF {
				setDF(t.DF)
			}
			for _, d := range t.Dests {
				sendToPeer(d, t.Buffer)
			}
		}

		if len(zprnMsgs) == 0 {
			if gotError {
				// transient sendto errors never drop queue items; flushing
				// streams here only affects process-local stdio buffering,
				// which this Go port has no equivalent of. Kept as a no-op
				// hook point for parity with the original's flush_stdstreams.
			}
			continue
		}

		if df {
			setDF(false)
		}
		if tos != 0 {
			setTOS(0)
		}

		if len(zprnMsgs) == 1 {
			m := zprnMsgs[0]
			buf := zprn.EncodeHeader(nil)
			buf = zprn.EncodeEntry(buf, m.Entry)
			if m.Confirmed != nil {
				confirmed[m.Confirmed] = struct{}{}
			}
			for _, d := range m.Dests {
				sendToPeer(d, buf)
			}
			continue
		}

		// bucket entries per destination, starting a new buffer whenever
		// appending this entry would exceed maxZPRNBuf.
		perDest := make(map[*peer.Peer][][]byte)
		for _, m := range zprnMsgs {
			if m.Confirmed != nil {
				confirmed[m.Confirmed] = struct{}{}
			}
			for _, d := range m.Dests {
				bufs := perDest[d]
				if len(bufs) == 0 {
					bufs = append(bufs, zprn.EncodeHeader(nil))
				} else {
					last := bufs[len(bufs)-1]
					entrySize := len(zprn.EncodeEntry(nil, m.Entry))
					if len(last)+entrySize > maxZPRNBuf {
						bufs = append(bufs, zprn.EncodeHeader(nil))
					}
				}
				last := bufs[len(bufs)-1]
				bufs[len(bufs)-1] = zprn.EncodeEntry(last, m.Entry)
				perDest[d] = bufs
			}
		}
		for d, bufs := range perDest {
			for _, b := range bufs {
				sendToPeer(d, b)
			}
		}
	}
}
