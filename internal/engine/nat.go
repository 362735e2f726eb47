package engine

import (
	"encoding/binary"
	"net/netip"
	"sync"

	"tunmux/internal/core"
)

// NatRewriter translates packet source addresses so packets are valid on a
// tunnel's assigned network, and reverses the translation on the way back.
// The original source seen on egress is remembered per tunnel (last value
// wins) so replies can be restored.
//
// Both directions mutate the packet in place and return the same slice. The
// router owns every packet buffer from ingress, so in-place rewrite never
// aliases across components. Malformed packets come back untouched; these
// functions never panic on bad input.
type NatRewriter struct {
	mu       sync.RWMutex
	original map[string]netip.Addr // tunnel ID → original source
}

// NewNatRewriter creates an empty rewriter.
func NewNatRewriter() *NatRewriter {
	return &NatRewriter{original: make(map[string]netip.Addr)}
}

// ToTunnel rewrites the packet's source address to the tunnel's assigned
// address. Returns the packet unchanged when the tunnel has no assigned
// address, when the packet is not parseable IPv4, when the source already
// equals the assigned address (idempotent), or when the transport lengths
// are inconsistent (rewriting would corrupt the packet further).
func (nr *NatRewriter) ToTunnel(pkt []byte, tunnelID string, assigned netip.Addr) []byte {
	if !assigned.IsValid() || !assigned.Is4() {
		return pkt
	}
	ihl, segLen, proto, ok := parseForRewrite(pkt)
	if !ok {
		return pkt
	}

	src := netip.AddrFrom4([4]byte(pkt[12:16]))
	if src == assigned {
		return pkt
	}

	nr.mu.Lock()
	nr.original[tunnelID] = src
	nr.mu.Unlock()

	a := assigned.As4()
	copy(pkt[12:16], a[:])
	ipv4HeaderChecksum(pkt[:ihl])
	if segLen > 0 {
		transportChecksum(pkt, ihl, proto, segLen)
	}
	return pkt
}

// FromTunnel restores the remembered original source into the destination
// field of a reply packet arriving from the tunnel, the mirror of ToTunnel.
// No-op when no original address is on record or the packet's destination is
// not the tunnel's assigned address.
func (nr *NatRewriter) FromTunnel(pkt []byte, tunnelID string, assigned netip.Addr) []byte {
	if !assigned.IsValid() || !assigned.Is4() {
		return pkt
	}
	ihl, segLen, proto, ok := parseForRewrite(pkt)
	if !ok {
		return pkt
	}

	dst := netip.AddrFrom4([4]byte(pkt[16:20]))
	if dst != assigned {
		return pkt
	}

	nr.mu.RLock()
	orig, have := nr.original[tunnelID]
	nr.mu.RUnlock()
	if !have {
		return pkt
	}

	o := orig.As4()
	copy(pkt[16:20], o[:])
	ipv4HeaderChecksum(pkt[:ihl])
	if segLen > 0 {
		transportChecksum(pkt, ihl, proto, segLen)
	}
	return pkt
}

// Forget drops the remembered original source for a tunnel.
// Called on tunnel teardown.
func (nr *NatRewriter) Forget(tunnelID string) {
	nr.mu.Lock()
	delete(nr.original, tunnelID)
	nr.mu.Unlock()
}

// OriginalSource returns the remembered pre-rewrite source for a tunnel.
func (nr *NatRewriter) OriginalSource(tunnelID string) (netip.Addr, bool) {
	nr.mu.RLock()
	defer nr.mu.RUnlock()
	addr, ok := nr.original[tunnelID]
	return addr, ok
}

// parseForRewrite validates an IPv4 packet for address rewriting and returns
// the header length, the transport segment length to checksum (0 to skip the
// transport checksum), and the protocol. ok=false means "do not touch this
// packet at all".
func parseForRewrite(pkt []byte) (ihl, segLen int, proto byte, ok bool) {
	if len(pkt) < minIPv4Hdr || pkt[0]>>4 != 4 {
		return 0, 0, 0, false
	}
	ihl = int(pkt[0]&0x0f) * 4
	if ihl < minIPv4Hdr || len(pkt) < ihl {
		return 0, 0, 0, false
	}

	proto = pkt[9]

	totalLen := int(binary.BigEndian.Uint16(pkt[2:]))
	if totalLen < ihl || totalLen > len(pkt) {
		return 0, 0, 0, false
	}

	switch proto {
	case protoTCP:
		segLen = totalLen - ihl
		if segLen < minTCPHdr {
			core.Log.Debugf("NAT", "Truncated TCP segment (%d bytes), forwarding unrewritten", segLen)
			return 0, 0, 0, false
		}
	case protoUDP:
		segLen = totalLen - ihl
		if segLen < minUDPHdr {
			return 0, 0, 0, false
		}
		udpLen := int(binary.BigEndian.Uint16(pkt[ihl+4:]))
		// Declared UDP length under 8 or past the payload is a malformed
		// packet; forward it unrewritten rather than corrupt it further.
		if udpLen < minUDPHdr || udpLen > segLen {
			core.Log.Debugf("NAT", "Bad UDP length %d (segment %d), forwarding unrewritten", udpLen, segLen)
			return 0, 0, 0, false
		}
		segLen = udpLen
	default:
		segLen = 0 // address rewrite only, no transport checksum
	}

	return ihl, segLen, proto, true
}
