//go:build linux

// Package capture opens the virtual interface all routed traffic flows
// through. Only the Linux TUN edge is implemented; other platforms bring
// their own CaptureEdge.
package capture

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"tunmux/internal/core"
)

const tunDevice = "/dev/net/tun"

// TUN is a Linux TUN interface opened in IFF_NO_PI mode, so reads and writes
// carry raw IP datagrams with no packet-information header.
type TUN struct {
	file *os.File
	name string
}

// Open creates (or attaches to) the named TUN interface. An empty name lets
// the kernel pick one. Address and route configuration is left to the caller.
func Open(name string) (*TUN, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("[Capture] open %s: %w", tunDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[Capture] interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[Capture] TUNSETIFF: %w", err)
	}

	t := &TUN{
		file: os.NewFile(uintptr(fd), tunDevice),
		name: ifr.Name(),
	}
	core.Log.Infof("Capture", "TUN interface %q opened", t.name)
	return t, nil
}

// Name returns the interface name the kernel settled on.
func (t *TUN) Name() string {
	return t.name
}

// ReadPacket reads one IP datagram into buf.
func (t *TUN) ReadPacket(buf []byte) (int, error) {
	return t.file.Read(buf)
}

// WritePacket injects one IP datagram toward the device.
func (t *TUN) WritePacket(pkt []byte) error {
	_, err := t.file.Write(pkt)
	return err
}

// Close releases the interface.
func (t *TUN) Close() error {
	return t.file.Close()
}
