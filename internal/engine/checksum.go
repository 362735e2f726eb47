package engine

import "encoding/binary"

// ---------------------------------------------------------------------------
// Internet checksum primitives (RFC 1071) and full-recompute helpers for
// IPv4 header and TCP/UDP transport checksums. All functions operate on
// explicit byte ranges and never touch bytes outside them.
// ---------------------------------------------------------------------------

// Sum accumulates the one's-complement sum of b as 16-bit big-endian words.
// An odd trailing byte is padded with zero on the right.
func Sum(b []byte) uint32 {
	var sum uint32
	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)&1 != 0 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}

// Finalize folds the end-around carries and returns the one's complement.
func Finalize(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// PseudoHeader returns the checksum contribution of the TCP/UDP pseudo-header
// (RFC 793 / RFC 768): source address, destination address, zero+protocol,
// and the transport segment length.
func PseudoHeader(src, dst [4]byte, proto byte, segmentLen uint16) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:]))
	sum += uint32(binary.BigEndian.Uint16(dst[:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:]))
	sum += uint32(proto)
	sum += uint32(segmentLen)
	return sum
}

// ipv4HeaderChecksum zeroes the checksum field of the IPv4 header in hdr and
// writes back the recomputed value. hdr must span exactly the IP header.
func ipv4HeaderChecksum(hdr []byte) {
	binary.BigEndian.PutUint16(hdr[10:], 0)
	binary.BigEndian.PutUint16(hdr[10:], Finalize(Sum(hdr)))
}

// transportChecksum zeroes and recomputes the TCP or UDP checksum of an IPv4
// packet in place. ihl is the IP header length; segment spans pkt[ihl:ihl+segLen].
// The caller has already validated that the segment fits the buffer.
func transportChecksum(pkt []byte, ihl int, proto byte, segLen int) {
	var ckOff int
	switch proto {
	case protoTCP:
		ckOff = ihl + 16
	case protoUDP:
		ckOff = ihl + 6
	default:
		return
	}

	binary.BigEndian.PutUint16(pkt[ckOff:], 0)

	sum := PseudoHeader([4]byte(pkt[12:16]), [4]byte(pkt[16:20]), proto, uint16(segLen))
	sum += Sum(pkt[ihl : ihl+segLen])

	ck := Finalize(sum)
	if proto == protoUDP && ck == 0 {
		ck = 0xffff // RFC 768: zero means "no checksum"
	}
	binary.BigEndian.PutUint16(pkt[ckOff:], ck)
}
