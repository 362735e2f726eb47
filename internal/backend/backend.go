// Package backend defines the narrow contracts between the routing core and
// the subsystems it deliberately does not own: encrypted tunnel
// implementations, the packet-capture edge, and OS-specific identity lookup.
package backend

import (
	"context"
	"net/netip"
)

// Events are the callbacks a tunnel backend fires into the engine. The engine
// installs them before Connect; backends must tolerate nil fields. All
// callbacks may fire from the backend's own goroutines at any time.
type Events struct {
	// OnConnected signals a completed handshake.
	OnConnected func()

	// OnDisconnected signals a lost or failed connection, with a
	// human-readable reason for the external layer to display or retry on.
	OnDisconnected func(reason string)

	// OnAddressAssigned reports the address the remote side assigned to
	// this end of the tunnel. May fire more than once; idempotent.
	OnAddressAssigned func(addr netip.Addr, prefixLen int)

	// OnDNSConfigured reports the DNS servers pushed by the remote side.
	OnDNSConfigured func(servers []netip.Addr)

	// OnRoutePushed reports one destination route pushed by the remote side.
	OnRoutePushed func(network netip.Addr, prefixLen int)

	// OnReceive delivers one decrypted inbound IP packet. The buffer is
	// only valid for the duration of the call.
	OnReceive func(pkt []byte)
}

// TunnelBackend is one opaque encrypt/decrypt engine. The core never
// inspects how a backend moves or protects bytes.
type TunnelBackend interface {
	// SetEvents installs the engine's callbacks. Called once before Connect.
	SetEvents(ev Events)

	// Connect establishes the tunnel. Blocks until connected or ctx cancelled.
	Connect(ctx context.Context) error

	// Disconnect tears the tunnel down gracefully.
	Disconnect() error

	// Ready reports whether the backend can accept packets right now.
	Ready() bool

	// Send hands one outbound IP packet to the tunnel for encryption.
	// Returns false if the packet was dropped.
	Send(pkt []byte) bool
}

// CaptureEdge is the single point where all device traffic enters and exits
// the router: one virtual interface's read/write stream.
type CaptureEdge interface {
	// ReadPacket reads one IP datagram into buf and returns its length.
	ReadPacket(buf []byte) (int, error)

	// WritePacket injects one IP datagram back toward the device.
	WritePacket(pkt []byte) error
}

// IdentityResolver maps a connection 5-tuple to the identity that owns it
// (e.g. via OS connection-owner APIs). Failures mean "identity unknown" and
// the router falls through its precedence chain. Implementations must answer
// from memory; the packet path calls this per new flow.
type IdentityResolver interface {
	ResolveOwner(proto byte, src, dst netip.AddrPort) (identity string, ok bool)
}
