package engine

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"tunmux/internal/backend"
	"tunmux/internal/core"
)

// memEdge is an in-memory capture edge recording injected packets.
type memEdge struct {
	mu      sync.Mutex
	written [][]byte
}

func (m *memEdge) ReadPacket(buf []byte) (int, error) { return 0, io.EOF }

func (m *memEdge) WritePacket(pkt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, append([]byte(nil), pkt...))
	return nil
}

func (m *memEdge) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// resolverFunc adapts a function to backend.IdentityResolver.
type resolverFunc func(proto byte, src, dst netip.AddrPort) (string, bool)

func (f resolverFunc) ResolveOwner(proto byte, src, dst netip.AddrPort) (string, bool) {
	return f(proto, src, dst)
}

// staticResolver maps source ports to identities, which is enough to tell
// test flows apart.
func staticResolver(byPort map[uint16]string) resolverFunc {
	return func(_ byte, src, _ netip.AddrPort) (string, bool) {
		id, ok := byPort[src.Port()]
		return id, ok
	}
}

func readyLoopback(t *testing.T, r *Router, id, cidr string, routes ...string) *backend.Loopback {
	t.Helper()
	pfx, err := netip.ParsePrefix(cidr)
	require.NoError(t, err)

	cfg := backend.LoopbackConfig{
		Address:    pfx.Addr(),
		PrefixLen:  pfx.Bits(),
		DNSServers: []netip.Addr{addr(t, "10.255.255.1")},
	}
	for _, rt := range routes {
		cfg.Routes = append(cfg.Routes, netip.MustParsePrefix(rt))
	}

	lb := backend.NewLoopback(cfg)
	require.NoError(t, r.AddTunnel(id, lb))
	require.NoError(t, r.ConnectTunnel(context.Background(), id))
	require.True(t, r.Lifecycle().Ready(id), "tunnel %s not ready after connect", id)
	return lb
}

func TestRouterForwardsPolicyFlow(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{
		Edge:     edge,
		Resolver: staticResolver(map[uint16]string{40000: "com.app.a"}),
	})
	lb := readyLoopback(t, r, "tun-a", "10.5.0.2/24")
	r.Tracker().SetIdentityTunnel("com.app.a", "tun-a")

	r.Submit(tcpPacket(t, "192.168.1.7", "93.184.216.34", 40000, 443, []byte("GET /")))

	sent := lb.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, addr(t, "10.5.0.2"), netip.AddrFrom4([4]byte(sent[0][12:16])),
		"source not rewritten to the tunnel address")
	requireValidChecksums(t, sent[0])
	require.Empty(t, edge.Written(), "tunneled packet leaked to the edge")
	require.Equal(t, uint64(1), r.Stats().Forwarded)

	// The decision is cached: a second packet forwards without the resolver.
	r2 := r // same router, resolver now denies everything
	r2.resolver = staticResolver(nil)
	r2.Submit(tcpPacket(t, "192.168.1.7", "93.184.216.34", 40000, 443, []byte("more")))
	require.Len(t, lb.Sent(), 2)
}

func TestRouterDirectIdentityBypasses(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{
		Edge:     edge,
		Resolver: staticResolver(map[uint16]string{41000: "com.app.direct"}),
	})
	readyLoopback(t, r, "tun-a", "10.5.0.2/24")
	r.Tracker().SetIdentityTunnel("com.app.direct", "")

	pkt := tcpPacket(t, "192.168.1.7", "93.184.216.34", 41000, 443, nil)
	want := append([]byte(nil), pkt...)
	r.Submit(pkt)

	written := edge.Written()
	require.Len(t, written, 1)
	require.Equal(t, want, written[0], "direct packet must pass through unmodified")
	require.Equal(t, uint64(1), r.Stats().Direct)

	// The bypass is remembered per flow.
	entry, ok := r.Tracker().LookupConnection(addr(t, "192.168.1.7"), 41000)
	require.True(t, ok)
	require.Empty(t, entry.TunnelID)
}

func TestRouterUnknownFlowGoesDirect(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{Edge: edge})
	readyLoopback(t, r, "tun-a", "10.5.0.2/24")

	r.Submit(tcpPacket(t, "192.168.1.7", "203.0.113.9", 42000, 8080, nil))

	require.Len(t, edge.Written(), 1)
	require.Equal(t, uint64(1), r.Stats().Direct)
}

func TestRouterPushedRouteWins(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{
		Edge:     edge,
		Resolver: staticResolver(map[uint16]string{43000: "com.app.a"}),
	})
	lbA := readyLoopback(t, r, "tun-a", "10.5.0.2/24")
	lbB := readyLoopback(t, r, "tun-b", "10.6.0.2/24", "198.51.100.0/24")

	// Identity policy says tun-a, but the destination matches tun-b's
	// pushed route, which takes precedence.
	r.Tracker().SetIdentityTunnel("com.app.a", "tun-a")
	r.Submit(tcpPacket(t, "192.168.1.7", "198.51.100.5", 43000, 443, nil))

	require.Empty(t, lbA.Sent())
	require.Len(t, lbB.Sent(), 1)
}

func TestRouterQueuesUntilReady(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{
		Edge:     edge,
		Resolver: staticResolver(map[uint16]string{44000: "com.app.a"}),
	})

	// Connects but never reports DNS: Connected, not Ready.
	lb := backend.NewLoopback(backend.LoopbackConfig{
		Address:   addr(t, "10.5.0.2"),
		PrefixLen: 24,
	})
	require.NoError(t, r.AddTunnel("tun-a", lb))
	require.NoError(t, r.ConnectTunnel(context.Background(), "tun-a"))
	require.Equal(t, StateConnected, r.Lifecycle().State("tun-a"))

	r.Tracker().SetIdentityTunnel("com.app.a", "tun-a")
	r.Submit(tcpPacket(t, "192.168.1.7", "93.184.216.34", 44000, 443, []byte("early")))

	require.Empty(t, lb.Sent(), "packet sent before the tunnel was ready")
	require.Equal(t, uint64(1), r.Stats().Queued)

	// DNS arrives, the tunnel turns Ready, and the queue drains through the
	// full routing path.
	r.Lifecycle().OnDNSConfigured("tun-a", []netip.Addr{addr(t, "10.255.255.1")})

	sent := lb.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, addr(t, "10.5.0.2"), netip.AddrFrom4([4]byte(sent[0][12:16])))
	requireValidChecksums(t, sent[0])
}

func TestRouterOrphanDNSPrefersConfiguredTunnel(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{Edge: edge, DNSTunnelID: "tun-b"})
	lbA := readyLoopback(t, r, "tun-a", "10.5.0.2/24")
	lbB := readyLoopback(t, r, "tun-b", "10.6.0.2/24")

	r.Submit(udpPacket(t, "192.168.1.7", "8.8.8.8", 45000, 53, []byte("q")))

	require.Empty(t, lbA.Sent())
	require.Len(t, lbB.Sent(), 1)
}

func TestRouterOrphanDNSFallsBackToFirstReady(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{Edge: edge})
	lbA := readyLoopback(t, r, "tun-a", "10.5.0.2/24")
	readyLoopback(t, r, "tun-b", "10.6.0.2/24")

	r.Submit(udpPacket(t, "192.168.1.7", "8.8.8.8", 45000, 53, []byte("q")))

	require.Len(t, lbA.Sent(), 1, "DNS should ride the first ready tunnel")
}

func TestRouterOrphanDNSFollowsIdentityTunnel(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{
		Edge:     edge,
		Resolver: staticResolver(map[uint16]string{46000: "com.app.b"}),
	})
	lbA := readyLoopback(t, r, "tun-a", "10.5.0.2/24")
	lbB := readyLoopback(t, r, "tun-b", "10.6.0.2/24")
	r.Tracker().SetIdentityTunnel("com.app.b", "tun-b")

	// The owning identity's tunnel beats first-ready.
	r.Submit(udpPacket(t, "192.168.1.7", "8.8.8.8", 46000, 53, []byte("q")))

	require.Empty(t, lbA.Sent())
	require.Len(t, lbB.Sent(), 1)
}

func TestRouterDisconnectCleansUp(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{
		Edge:     edge,
		Resolver: staticResolver(map[uint16]string{47000: "com.app.a"}),
	})
	lb := readyLoopback(t, r, "tun-a", "10.5.0.2/24", "198.51.100.0/24")
	r.Tracker().SetIdentityTunnel("com.app.a", "tun-a")

	r.Submit(tcpPacket(t, "192.168.1.7", "198.51.100.5", 47000, 443, nil))
	require.Len(t, lb.Sent(), 1)

	lb.Fail("link lost")

	// Flows, routes, and the identity assignment are gone; the same traffic
	// now goes direct.
	_, ok := r.Tracker().LookupConnection(addr(t, "192.168.1.7"), 47000)
	require.False(t, ok, "flow survived teardown")
	require.Zero(t, r.routes.Len(), "routes survived teardown")

	r.Submit(tcpPacket(t, "192.168.1.7", "198.51.100.5", 47000, 443, nil))
	require.Len(t, lb.Sent(), 1, "packet forwarded to a disconnected tunnel")
	require.Len(t, edge.Written(), 1)
}

func TestRouterQueueDroppedOnTeardown(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{
		Edge:     edge,
		Resolver: staticResolver(map[uint16]string{48000: "com.app.a"}),
	})

	lb := backend.NewLoopback(backend.LoopbackConfig{
		Address:   addr(t, "10.5.0.2"),
		PrefixLen: 24,
	})
	require.NoError(t, r.AddTunnel("tun-a", lb))
	require.NoError(t, r.ConnectTunnel(context.Background(), "tun-a"))
	r.Tracker().SetIdentityTunnel("com.app.a", "tun-a")

	r.Submit(tcpPacket(t, "192.168.1.7", "93.184.216.34", 48000, 443, nil))
	require.Equal(t, uint64(1), r.Stats().Queued)

	lb.Fail("never came up")

	require.Zero(t, r.queue.Len("tun-a"), "queue survived teardown")
	require.Empty(t, lb.Sent())
}

func TestRouterReplyPathRestoresDestination(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{
		Edge:     edge,
		Resolver: staticResolver(map[uint16]string{49000: "com.app.a"}),
	})
	lb := readyLoopback(t, r, "tun-a", "10.5.0.2/24")
	r.Tracker().SetIdentityTunnel("com.app.a", "tun-a")

	r.Submit(udpPacket(t, "192.168.1.7", "8.8.8.8", 49000, 53, []byte("q")))
	require.Len(t, lb.Sent(), 1)

	// The reply arrives from the remote side addressed to the tunnel.
	lb.Inject(udpPacket(t, "8.8.8.8", "10.5.0.2", 53, 49000, []byte("answer")))

	written := edge.Written()
	require.Len(t, written, 1)
	require.Equal(t, addr(t, "192.168.1.7"), netip.AddrFrom4([4]byte(written[0][16:20])),
		"reply destination not restored to the original source")
	requireValidChecksums(t, written[0])
}

func TestRouterDualSubnetStaysRoutable(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{
		Edge: edge,
		Resolver: staticResolver(map[uint16]string{
			50001: "com.app.a",
			50002: "com.app.b",
		}),
	})

	// Both tunnels get the same address on the same subnet.
	lbA := readyLoopback(t, r, "tun-a", "10.5.0.2/24")
	lbB := readyLoopback(t, r, "tun-b", "10.5.0.2/24")
	r.Tracker().SetIdentityTunnel("com.app.a", "tun-a")
	r.Tracker().SetIdentityTunnel("com.app.b", "tun-b")

	require.True(t, r.Lifecycle().IsPrimary("tun-a"))
	require.False(t, r.Lifecycle().IsPrimary("tun-b"))

	// Policy still routes each app to its own tunnel.
	r.Submit(tcpPacket(t, "192.168.1.7", "93.184.216.34", 50001, 443, nil))
	r.Submit(tcpPacket(t, "192.168.1.7", "93.184.216.34", 50002, 443, nil))

	require.Len(t, lbA.Sent(), 1)
	require.Len(t, lbB.Sent(), 1)

	// The shared address is ambiguous, so the address cache never guesses.
	_, ok := r.Tracker().TunnelForAddress(addr(t, "10.5.0.2"))
	require.False(t, ok)
}

func TestRouterDropsMalformed(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{Edge: edge})

	r.Submit([]byte{0x45, 0x00}) // truncated IPv4

	require.Empty(t, edge.Written())
	s := r.Stats()
	require.Equal(t, uint64(1), s.Dropped)
	require.Equal(t, uint64(1), s.ClassifyFailures)
}

func TestRouterUnsupportedGoesDirect(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{Edge: edge})

	pkt := make([]byte, minIPv6Hdr)
	pkt[0] = 6 << 4
	pkt[8] = 0x20 // native IPv6 source
	pkt[24] = 0x20

	r.Submit(pkt)

	require.Len(t, edge.Written(), 1, "unsupported traffic must fail open")
	require.Equal(t, uint64(1), r.Stats().Direct)
}

func TestRouterSubmitDoesNotAliasCallerBuffer(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{Edge: edge})

	pkt := tcpPacket(t, "192.168.1.7", "203.0.113.9", 51000, 80, nil)
	want := append([]byte(nil), pkt...)
	r.Submit(pkt)

	// Caller reuses its buffer; the edge copy must be unaffected.
	for i := range pkt {
		pkt[i] = 0xFF
	}
	require.Equal(t, want, edge.Written()[0])
}

func TestRouterClosedTunnelNeverQueues(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{Edge: edge, DNSTunnelID: "tun-dns"})
	readyLoopback(t, r, "tun-dns", "10.5.0.2/24")
	require.NoError(t, r.CloseTunnel("tun-dns"))

	// The configured DNS tunnel still gets picked by the precedence chain,
	// but a closed tunnel must not hold the packet.
	r.Submit(udpPacket(t, "192.168.1.7", "8.8.8.8", 53000, 53, []byte("q")))

	require.Zero(t, r.queue.Len("tun-dns"), "packet held for a closed tunnel")
	require.Zero(t, r.Stats().Queued)
	require.Len(t, edge.Written(), 1, "orphan DNS must fail open past a closed tunnel")
}

func TestRouterDisconnectedTunnelNeverQueues(t *testing.T) {
	edge := &memEdge{}
	r := NewRouter(Options{Edge: edge, DNSTunnelID: "tun-dns"})
	lb := readyLoopback(t, r, "tun-dns", "10.5.0.2/24")
	lb.Fail("link lost")

	r.Submit(udpPacket(t, "192.168.1.7", "8.8.8.8", 53001, 53, []byte("q")))

	require.Zero(t, r.queue.Len("tun-dns"), "packet held for a disconnected tunnel")
	require.Zero(t, r.Stats().Queued)
	require.Len(t, edge.Written(), 1)
	require.Empty(t, lb.Sent())
}

func TestRouterBusTeardownIsSynchronous(t *testing.T) {
	bus := core.NewEventBus()
	r := NewRouter(Options{
		Bus:      bus,
		Edge:     &memEdge{},
		Resolver: staticResolver(map[uint16]string{52000: "com.app.a"}),
	})
	lb := readyLoopback(t, r, "tun-a", "10.5.0.2/24")
	r.Tracker().SetIdentityTunnel("com.app.a", "tun-a")
	r.Submit(tcpPacket(t, "192.168.1.7", "93.184.216.34", 52000, 443, nil))

	// Observed from inside a bus subscriber appended after the router's own:
	// cleanup has already happened when the disconnect event lands here.
	var flowsDuringEvent int
	bus.Subscribe(core.EventTunnelStateChanged, func(e core.Event) {
		p := e.Payload.(core.TunnelStatePayload)
		if TunnelState(p.NewState) == StateDisconnected {
			flowsDuringEvent = r.Tracker().FlowCount()
		}
	})

	lb.Fail("torn down")
	require.Zero(t, flowsDuringEvent)
}
