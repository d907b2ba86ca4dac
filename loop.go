//go:build linux

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zrouter/z/internal/router"
	"github.com/zrouter/z/internal/tun"
)

// ingress is one packet read off TUN or a data socket, queued to the
// single goroutine that owns the router.Context (the "router" entity of
// spec.md §5 — sole structural mutator of remotes/routes/ping_cache).
type ingress struct {
	fromUDP bool
	buf     []byte
	addr    netip.AddrPort
	family  int
}

const readBufSize = 65536

// runLoop is the router goroutine: it fans in packets from TUN and every
// data socket over a channel, and is the only goroutine that ever calls
// into rctx. This mirrors the original's single-threaded epoll readiness
// wait using Go's own concurrency primitives instead of a raw epoll(2)
// loop, while preserving the "sole mutator" invariant the design notes
// call for.
func runLoop(ctx context.Context, dev *tun.Device, conns map[int]*net.UDPConn, rctx *router.Context) {
	ch := make(chan ingress, 256)

	go readTun(ctx, dev, ch)
	for family, conn := range conns {
		go readUDP(ctx, conn, family, ch)
	}

	tickEvery := time.Duration(rctx.Config.RemoteTimeoutSeconds)*time.Second/4 + time.Second
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-ch:
			if m.fromUDP {
				rctx.HandleFromUDP(m.buf, m.addr, m.family)
			} else {
				rctx.HandleFromTun(m.buf)
			}
		case <-ticker.C:
			rctx.Tick()
		}
	}
}

func readTun(ctx context.Context, dev *tun.Device, ch chan<- ingress) {
	pfd := []unix.PollFd{{Fd: int32(dev.FD()), Events: unix.POLLIN}}
	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := unix.Poll(pfd, 500); err != nil && err != unix.EINTR {
			continue
		}
		for {
			n, err := dev.ReadNB(buf)
			if err != nil && err != unix.EINTR && ctx.Err() == nil {
				slog.Error("tun read failed", "err", err)
				os.Exit(1)
			}
			if err != nil || n == 0 {
				break
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case ch <- ingress{buf: cp}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func readUDP(ctx context.Context, conn *net.UDPConn, family int, ch chan<- ingress) {
	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case ch <- ingress{fromUDP: true, buf: cp, addr: from, family: family}:
		case <-ctx.Done():
			return
		}
	}
}
