package engine

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Packet construction helpers shared by the engine tests. gopacket computes
// lengths and checksums, so every synthetic packet starts out wire-valid.

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func tcpPacket(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		SYN:     true,
		Window:  64240,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("checksum layer: %v", err)
	}
	return serialize(t, ip, tcp, gopacket.Payload(payload))
}

func udpPacket(t *testing.T, src, dst string, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("checksum layer: %v", err)
	}
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

func icmpPacket(t *testing.T, src, dst string) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       1,
		Seq:      1,
	}
	return serialize(t, ip, icmp, gopacket.Payload([]byte("ping")))
}

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse addr %q: %v", s, err)
	}
	return a
}

// mapped6Packet builds a minimal IPv6 header carrying IPv4-mapped addresses
// plus a transport port word, enough for the classifier.
func mapped6Packet(t *testing.T, src, dst string, proto byte, sport, dport uint16) []byte {
	t.Helper()
	pkt := make([]byte, minIPv6Hdr+4)
	pkt[0] = 6 << 4
	binary.BigEndian.PutUint16(pkt[4:], 4) // payload length
	pkt[6] = proto
	pkt[7] = 64 // hop limit

	s := netip.AddrFrom4(addr(t, src).As4()).As16()
	d := netip.AddrFrom4(addr(t, dst).As4()).As16()
	// AddrFrom4().As16() yields the ::ffff:a.b.c.d form.
	copy(pkt[8:24], s[:])
	copy(pkt[24:40], d[:])

	binary.BigEndian.PutUint16(pkt[minIPv6Hdr:], sport)
	binary.BigEndian.PutUint16(pkt[minIPv6Hdr+2:], dport)
	return pkt
}

// requireValidChecksums fails the test unless the packet's IPv4 header
// checksum and (for TCP/UDP) transport checksum verify to zero per RFC 1071.
func requireValidChecksums(t *testing.T, pkt []byte) {
	t.Helper()

	ihl := int(pkt[0]&0x0f) * 4
	if got := Finalize(Sum(pkt[:ihl])); got != 0 {
		t.Fatalf("IPv4 header checksum does not verify: residue %#04x", got)
	}

	proto := pkt[9]
	if proto != protoTCP && proto != protoUDP {
		return
	}

	totalLen := int(binary.BigEndian.Uint16(pkt[2:]))
	segLen := totalLen - ihl
	if proto == protoUDP {
		segLen = int(binary.BigEndian.Uint16(pkt[ihl+4:]))
	}

	sum := PseudoHeader([4]byte(pkt[12:16]), [4]byte(pkt[16:20]), proto, uint16(segLen))
	sum += Sum(pkt[ihl : ihl+segLen])
	if got := Finalize(sum); got != 0 {
		t.Fatalf("transport checksum does not verify: residue %#04x", got)
	}
}
