// Package netcfg implements the "apply network config" hook spec.md §1
// treats as an opaque external collaborator: bringing the TUN link up and
// assigning it addresses/MTU/routes. Adapted from the teacher's
// configureTUN/addGrayRoutes (Qedr1-l3gover/main.go).
package netcfg

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Apply brings the named link up, optionally assigns an MTU, and
// replaces its address with each of addrs (CIDR form).
func Apply(iface string, mtu int, addrs []string) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("netcfg: link %q not found: %w", iface, err)
	}
	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("netcfg: set mtu: %w", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netcfg: link up: %w", err)
	}
	for _, cidr := range addrs {
		ip, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("netcfg: parse addr %q: %w", cidr, err)
		}
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: ipnet.Mask}}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("netcfg: set addr %q: %w", cidr, err)
		}
	}
	return nil
}

// AddRoutes installs a direct route for each extra destination CIDR
// through iface (used for exported-local / gray-route style entries).
func AddRoutes(iface string, cidrs []string) error {
	if len(cidrs) == 0 {
		return nil
	}
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("netcfg: link %q not found: %w", iface, err)
	}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return fmt.Errorf("netcfg: parse route %q: %w", c, err)
		}
		rt := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipnet}
		if err := netlink.RouteReplace(rt); err != nil {
			return fmt.Errorf("netcfg: add route %q: %w", c, err)
		}
	}
	return nil
}
