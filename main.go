//go:build linux

// Command z is a Layer-3 userspace mesh router: it reads IPv4/IPv6
// packets off a TUN device and a UDP data port, maintains a dynamic
// routing table advertised and learned via the ZPRN v2 control protocol,
// and forwards accordingly. See SPEC_FULL.md for the full design.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zrouter/z/internal/config"
	"github.com/zrouter/z/internal/hooks"
	"github.com/zrouter/z/internal/ia"
	"github.com/zrouter/z/internal/netcfg"
	"github.com/zrouter/z/internal/peer"
	"github.com/zrouter/z/internal/router"
	"github.com/zrouter/z/internal/routes"
	"github.com/zrouter/z/internal/sender"
	"github.com/zrouter/z/internal/tun"
	"github.com/zrouter/z/internal/zprn"
)

var (
	logPath    string
	configPath string
	showHelp   bool
)

func init() {
	flagSet()
}

func flagSet() {
	for _, a := range os.Args[1:] {
		switch {
		case a == "--help" || a == "-h":
			showHelp = true
		case len(a) >= 2 && a[0] == 'L':
			logPath = a[1:]
		case len(a) >= 2 && a[0] == 'C':
			configPath = a[1:]
		}
	}
	if configPath == "" {
		configPath = "/etc/z.conf"
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: z [--help] [L<logfile>] [C<configfile>]")
	fmt.Fprintln(os.Stderr, "  L<path>  redirect stdout/stderr to <path> (append, 0664), ignore SIGHUP")
	fmt.Fprintln(os.Stderr, "  C<path>  configuration file (default /etc/z.conf)")
}

func main() {
	if showHelp {
		usage()
		return
	}

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			slog.Error("open log file", "path", logPath, "err", err)
			os.Exit(1)
		}
		os.Stdout = f
		os.Stderr = f
	}
	signal.Ignore(syscall.SIGHUP)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfgFile, err := os.Open(configPath)
	if err != nil {
		log.Error("open config", "path", configPath, "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgFile)
	cfgFile.Close()
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}

	dev, err := tun.Open(cfg.Iface)
	if err != nil {
		log.Error("open tun", "iface", cfg.Iface, "err", err)
		os.Exit(1)
	}
	defer dev.Close()

	cidrs := make([]string, len(cfg.Locals))
	for i, l := range cfg.Locals {
		cidrs[i] = l.CIDR
	}
	if err := netcfg.Apply(cfg.Iface, 0, cidrs); err != nil {
		log.Error("configure tun", "err", err)
		os.Exit(1)
	}
	if err := netcfg.AddRoutes(cfg.Iface, cfg.ExportedLocals); err != nil {
		log.Warn("configure exported-local routes", "err", err)
	}
	runIfaceHooks(cfg.IfaceHooks, cfg.Iface, log)

	conns, err := bindDataSockets(cfg.DataPort, cfg.PreferredAF)
	if err != nil {
		log.Error("bind data sockets", "err", err)
		os.Exit(1)
	}

	snd, err := sender.New(dev, conns, log)
	if err != nil {
		log.Error("create sender", "err", err)
		os.Exit(1)
	}
	senderDone := make(chan struct{})
	go func() {
		snd.Run()
		close(senderDone)
	}()

	hookRunner := &hooks.Runner{Prefixes: cfg.RouteHooks, Log: log}

	registry := peer.NewRegistry()
	for i, host := range cfg.Remotes {
		addr, family, ok := resolveRemoteAddr(host, cfg.DataPort)
		if !ok {
			log.Warn("could not resolve remote at startup", "host", host)
			continue
		}
		p := registry.Add(addr, family, i)
		p.Seen = time.Now()
		log.Info("configured remote", "host", host, "peer", p.String())
		hookRunner.Peer(false, p.String())
	}

	locals, err := parseLocalAddrs(cfg.Locals)
	if err != nil {
		log.Error("parse local addresses", "err", err)
		os.Exit(1)
	}
	exported := addrSet(cfg.ExportedLocals, log)
	blocked := addrSet(cfg.BlockedBroadcastDsts, log)

	rctx := &router.Context{
		Config:               cfg,
		Registry:             registry,
		Routes:               routes.NewTable(),
		Sender:               snd,
		Hooks:                hookRunner,
		Locals:               locals,
		ExportedLocals:       exported,
		BlockedBroadcastDsts: blocked,
		PreferredAF:          cfg.PreferredAF,
		Log:                  log,
	}

	if cfg.RunAsUser != "" {
		if err := dropPrivileges(cfg.RunAsUser); err != nil {
			log.Error("drop privileges", "user", cfg.RunAsUser, "err", err)
			os.Exit(1)
		}
		log.Info("dropped privileges", "user", cfg.RunAsUser)
	}

	sigCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			rctx.DumpTable()
		}
	}()

	log.Info("z started", "iface", cfg.Iface, "port", cfg.DataPort)
	runLoop(sigCtx, dev, conns, rctx)

	log.Info("shutting down")
	for dst := range rctx.Routes.All() {
		rctx.SendZPRNMsg(zprn.Entry{Cmd: zprn.CmdConnMgmt, Prio: zprn.ConnMgmtClose, Route: dst}, nil)
	}
	snd.Stop()
	<-senderDone
}

// bindDataSockets opens the UDP listeners selected by the preferred
// address family (both, unless the config restricts to one).
func bindDataSockets(port uint16, af config.AddressFamily) (map[int]*net.UDPConn, error) {
	conns := make(map[int]*net.UDPConn)
	if af != config.AFInet6 {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
		if err != nil {
			return nil, fmt.Errorf("listen udp4: %w", err)
		}
		conns[unix.AF_INET] = c
	}
	if af != config.AFInet {
		c, err := net.ListenUDP("udp6", &net.UDPAddr{Port: int(port)})
		if err != nil {
			if af == config.AFInet6 {
				return nil, fmt.Errorf("listen udp6: %w", err)
			}
		} else {
			conns[unix.AF_INET6] = c
		}
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("no data sockets bound")
	}
	return conns, nil
}

// runIfaceHooks runs each "H" config entry once at startup, as a plain
// shell command (unlike "h" route/peer hooks, these take no arguments).
func runIfaceHooks(commands []string, iface string, log *slog.Logger) {
	for _, cmd := range commands {
		c := exec.Command("sh", "-c", cmd)
		c.Env = append(os.Environ(), "Z_IFACE="+iface)
		if out, err := c.CombinedOutput(); err != nil {
			log.Warn("iface hook failed", "cmd", cmd, "err", err, "output", string(out))
		}
	}
}

func resolveRemoteAddr(host string, dataPort uint16) (netAddr netip.AddrPort, family int, ok bool) {
	h, port := host, dataPort
	if hh, p, err := net.SplitHostPort(host); err == nil {
		h = hh
		if v, err := strconv.ParseUint(p, 10, 16); err == nil {
			port = uint16(v)
		}
	}
	ips, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", h)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, 0, false
	}
	a := netip.AddrPortFrom(ips[0], port)
	fam := unix.AF_INET
	if a.Addr().Is6() && !a.Addr().Is4In6() {
		fam = unix.AF_INET6
	}
	return a, fam, true
}

func parseLocalAddrs(cfgLocals []config.LocalAddr) ([]router.LocalAddr, error) {
	var out []router.LocalAddr
	for _, l := range cfgLocals {
		ip, ipnet, err := net.ParseCIDR(l.CIDR)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", l.CIDR, err)
		}
		a, ok := ia.FromNetIP(ip)
		if !ok {
			return nil, fmt.Errorf("parse %q: unrecognised address", l.CIDR)
		}
		out = append(out, router.LocalAddr{Addr: a, Mask: []byte(ipnet.Mask)})
	}
	return out, nil
}

func addrSet(values []string, log *slog.Logger) map[ia.Addr]struct{} {
	out := make(map[ia.Addr]struct{}, len(values))
	for _, v := range values {
		ip := net.ParseIP(v)
		if ip == nil {
			log.Warn("bad address in config", "value", v)
			continue
		}
		a, ok := ia.FromNetIP(ip)
		if !ok {
			log.Warn("bad address in config", "value", v)
			continue
		}
		out[a] = struct{}{}
	}
	return out
}

// dropPrivileges implements the "U" config tag: switch to the named
// unprivileged user after TUN/socket setup, mirroring the original's
// post-init setuid/setgid call.
func dropPrivileges(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}
