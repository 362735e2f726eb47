package engine

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// Classification failures. Callers treat ErrUnsupported as "forward direct,
// unrouted" and everything else as a malformed packet to drop.
var (
	ErrTooShort    = errors.New("packet too short")
	ErrUnsupported = errors.New("unsupported packet")
)

// PacketDesc is the parsed 5-tuple of one IP datagram.
// Ports are zero for protocols other than TCP and UDP.
type PacketDesc struct {
	Proto   byte
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
}

// Classify parses a raw IP datagram into a PacketDesc. It handles IPv4 and
// IPv4-mapped IPv6 (::ffff:a.b.c.d); native IPv6 returns ErrUnsupported.
// Pure function: no state, safe to call from any number of packet streams.
func Classify(pkt []byte) (PacketDesc, error) {
	if len(pkt) == 0 {
		return PacketDesc{}, ErrTooShort
	}

	switch pkt[0] >> 4 {
	case 4:
		return classify4(pkt)
	case 6:
		return classify6(pkt)
	default:
		return PacketDesc{}, ErrUnsupported
	}
}

func classify4(pkt []byte) (PacketDesc, error) {
	if len(pkt) < minIPv4Hdr {
		return PacketDesc{}, ErrTooShort
	}

	ihl := int(pkt[0]&0x0f) * 4
	if ihl < minIPv4Hdr || len(pkt) < ihl {
		return PacketDesc{}, ErrTooShort
	}

	d := PacketDesc{
		Proto:   pkt[9],
		SrcAddr: netip.AddrFrom4([4]byte(pkt[12:16])),
		DstAddr: netip.AddrFrom4([4]byte(pkt[16:20])),
	}

	if d.Proto == protoTCP || d.Proto == protoUDP {
		if len(pkt) < ihl+4 {
			return PacketDesc{}, ErrTooShort
		}
		d.SrcPort = binary.BigEndian.Uint16(pkt[ihl:])
		d.DstPort = binary.BigEndian.Uint16(pkt[ihl+2:])
	}

	return d, nil
}

func classify6(pkt []byte) (PacketDesc, error) {
	if len(pkt) < minIPv6Hdr {
		return PacketDesc{}, ErrTooShort
	}

	src := netip.AddrFrom16([16]byte(pkt[8:24]))
	dst := netip.AddrFrom16([16]byte(pkt[24:40]))

	// Only IPv4-mapped traffic is routable by this core; everything else is
	// the caller's problem (direct/unrouted).
	if !src.Is4In6() || !dst.Is4In6() {
		return PacketDesc{}, ErrUnsupported
	}

	d := PacketDesc{
		Proto:   pkt[6], // next header; extension headers are not chased
		SrcAddr: src.Unmap(),
		DstAddr: dst.Unmap(),
	}

	if d.Proto == protoTCP || d.Proto == protoUDP {
		if len(pkt) < minIPv6Hdr+4 {
			return PacketDesc{}, ErrTooShort
		}
		d.SrcPort = binary.BigEndian.Uint16(pkt[minIPv6Hdr:])
		d.DstPort = binary.BigEndian.Uint16(pkt[minIPv6Hdr+2:])
	}

	return d, nil
}
