// Package config implements the configuration schema of spec.md §3/§6:
// a fixed line-tagged grammar (not TOML) because the wire format is
// specified by the spec itself, not a free design choice — see
// DESIGN.md. Grounded in the original zprd init_all() tag switch.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// AddressFamily mirrors the preferred_af config knob.
type AddressFamily int

const (
	AFUnspec AddressFamily = iota
	AFInet
	AFInet6
)

// LocalAddr is one "A" tag: an address (with optional /prefix) to assign
// to the TUN device.
type LocalAddr struct {
	CIDR string
}

// Config is the immutable-after-startup configuration schema.
type Config struct {
	DataPort             uint16
	RemoteTimeoutSeconds int
	MaxNearRTTms         int
	PreferredAF          AddressFamily
	Remotes              []string
	Iface                string
	Locals               []LocalAddr
	ExportedLocals       []string
	BlockedBroadcastDsts []string
	RouteHooks           []string
	IfaceHooks           []string
	RunAsUser            string
}

// Default returns a Config pre-filled with spec.md §3/§6 defaults.
func Default() *Config {
	return &Config{
		DataPort:             45940,
		RemoteTimeoutSeconds: 300,
		MaxNearRTTms:         5,
		PreferredAF:          AFUnspec,
	}
}

func parseAF(s string) (AddressFamily, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INET", "IPV4":
		return AFInet, nil
	case "INET6", "IPV6":
		return AFInet6, nil
	case "UNSPEC", "":
		return AFUnspec, nil
	default:
		return AFUnspec, fmt.Errorf("config: unknown address family %q", s)
	}
}

// Load parses a config file per spec.md §6: one statement per line, the
// first character is the tag, the remainder is the value. '#' and empty
// lines are comments.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		tag := line[0]
		arg := line[1:]
		switch tag {
		case 'A':
			cfg.Locals = append(cfg.Locals, LocalAddr{CIDR: arg})
		case 'B':
			cfg.BlockedBroadcastDsts = append(cfg.BlockedBroadcastDsts, arg)
		case 'H':
			cfg.IfaceHooks = append(cfg.IfaceHooks, arg)
		case 'h':
			cfg.RouteHooks = append(cfg.RouteHooks, arg)
		case 'I':
			cfg.Iface = arg
		case 'L':
			cfg.ExportedLocals = append(cfg.ExportedLocals, arg)
		case 'P':
			p, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("config: invalid port %q: %w", arg, err)
			}
			cfg.DataPort = uint16(p)
		case 'R':
			cfg.Remotes = append(cfg.Remotes, arg)
		case 'T':
			t, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("config: invalid remote_timeout %q: %w", arg, err)
			}
			cfg.RemoteTimeoutSeconds = t
		case 'U':
			cfg.RunAsUser = arg
		case 'n':
			n, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("config: invalid max_near_rtt %q: %w", arg, err)
			}
			cfg.MaxNearRTTms = n
		case '^':
			af, err := parseAF(arg)
			if err != nil {
				return nil, err
			}
			cfg.PreferredAF = af
		default:
			return nil, fmt.Errorf("config: unknown statement tag %q", string(tag))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if cfg.Iface == "" {
		return nil, errors.New("config: no interface specified (missing 'I' tag)")
	}
	return cfg, nil
}
