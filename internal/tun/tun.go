//go:build linux

// Package tun implements TUN device allocation, an external collaborator
// per spec.md §1. Adapted from the teacher's tunDevice
// (Qedr1-l3gover/main.go), swapped from raw syscall numbers to
// golang.org/x/sys/unix per the rest of the pack's convention.
package tun

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ptr(r *ifreq) unsafe.Pointer { return unsafe.Pointer(r) }

const (
	iffTUN    = 0x0001
	iffNoPI   = 0x1000
	tunSetIff = 0x400454ca
	ifNameSiz = 16
)

type ifreq struct {
	Name  [ifNameSiz]byte
	Flags uint16
	Pad   [22]byte
}

// Device is a non-blocking TUN file descriptor; one writer goroutine
// (the sender) and one reader goroutine (the router) use it concurrently
// without further locking, matching the teacher's single-writer model.
type Device struct {
	fd int
}

// Open allocates (or attaches to) the named TUN interface in IFF_TUN |
// IFF_NO_PI mode and sets it non-blocking.
func Open(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %w", err)
	}
	var req ifreq
	copy(req.Name[:], name)
	req.Flags = iffTUN | iffNoPI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tunSetIff), uintptr(ptr(&req))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: ioctl TUNSETIFF: %w", errno)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Device{fd: fd}, nil
}

// FD returns the raw file descriptor, for poll-based readiness waits.
func (d *Device) FD() int { return d.fd }

// ReadNB performs a non-blocking read of one packet; it returns (0, nil)
// when no data is currently available.
func (d *Device) ReadNB(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

// Write writes one packet to the TUN device.
func (d *Device) Write(p []byte) (int, error) { return unix.Write(d.fd, p) }

// Close closes the TUN file descriptor.
func (d *Device) Close() error { return unix.Close(d.fd) }
