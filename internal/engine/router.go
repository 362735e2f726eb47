package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"tunmux/internal/backend"
	"tunmux/internal/core"
)

const dnsPort = 53

// DecisionAction is the outcome class of one routing decision.
type DecisionAction int

const (
	// ActionForward sends the (rewritten) packet to a ready tunnel.
	ActionForward DecisionAction = iota
	// ActionQueue holds the packet until its tunnel becomes ready.
	ActionQueue
	// ActionDirect hands the packet back to the capture edge unmodified.
	ActionDirect
	// ActionDrop discards the packet (malformed input only).
	ActionDrop
)

func (a DecisionAction) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionQueue:
		return "queue"
	case ActionDirect:
		return "direct"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Decision is the result of routing one packet.
type Decision struct {
	Action   DecisionAction
	TunnelID string
	Packet   []byte
}

// Stats is a snapshot of the router's packet counters.
type Stats struct {
	Forwarded        uint64
	Queued           uint64
	Direct           uint64
	Dropped          uint64
	ClassifyFailures uint64
	QueueOverflow    uint64
	QueueExpired     uint64
	SendFailures     uint64
	EdgeWriteDrops   uint64
}

// Options configures a Router.
type Options struct {
	Bus      *core.EventBus
	Resolver backend.IdentityResolver
	Edge     backend.CaptureEdge

	// DNSTunnelID is the explicitly preferred tunnel for DNS traffic with
	// no flow history. Empty falls through to the first ready tunnel.
	DNSTunnelID string

	// Engine tuning; zero values select the defaults.
	ConnTTL        time.Duration
	MaxConnections int
	QueueTimeout   time.Duration
	MaxQueueSize   int
}

// Router composes the route table, connection tracker, tunnel lifecycle,
// NAT rewriter, and packet queue into the end-to-end decision and forwarding
// path. One Router instance is constructed at startup and passed by handle to
// every caller; there is no ambient global.
//
// The packet path never blocks on I/O: identity policy is answered from the
// connection tracker's in-memory index, which an external policy store feeds
// ahead of time.
type Router struct {
	lifecycle *TunnelLifecycle
	routes    *RouteTable
	conns     *ConnectionTracker
	nat       *NatRewriter
	queue     *PacketQueue
	ready     *ReadinessCoordinator
	bus       *core.EventBus
	resolver  backend.IdentityResolver

	mu          sync.RWMutex
	backends    map[string]backend.TunnelBackend
	edge        backend.CaptureEdge
	dnsTunnelID string

	stats struct {
		forwarded        atomic.Uint64
		queued           atomic.Uint64
		direct           atomic.Uint64
		dropped          atomic.Uint64
		classifyFailures atomic.Uint64
		queueOverflow    atomic.Uint64
		queueExpired     atomic.Uint64
		sendFailures     atomic.Uint64
		edgeWriteDrops   atomic.Uint64
	}
}

// NewRouter creates a router and wires its internal components together.
func NewRouter(opts Options) *Router {
	bus := opts.Bus
	if bus == nil {
		bus = core.NewEventBus()
	}

	r := &Router{
		lifecycle:   NewTunnelLifecycle(bus),
		routes:      NewRouteTable(),
		conns:       NewConnectionTracker(opts.ConnTTL, opts.MaxConnections),
		nat:         NewNatRewriter(),
		queue:       NewPacketQueue(opts.MaxQueueSize, opts.QueueTimeout),
		ready:       NewReadinessCoordinator(bus),
		bus:         bus,
		resolver:    opts.Resolver,
		backends:    make(map[string]backend.TunnelBackend),
		edge:        opts.Edge,
		dnsTunnelID: opts.DNSTunnelID,
	}

	// Queue flush and teardown cleanup ride the synchronous state-change
	// events: by the time OnDisconnected returns to the backend, the
	// tunnel's flows, routes, and queued packets are gone.
	bus.Subscribe(core.EventTunnelStateChanged, func(e core.Event) {
		p, ok := e.Payload.(core.TunnelStatePayload)
		if !ok {
			return
		}
		switch TunnelState(p.NewState) {
		case StateReady:
			r.flushQueue(p.TunnelID)
		case StateDisconnected, StateClosed:
			r.cleanupTunnel(p.TunnelID)
		}
	})

	return r
}

// AddTunnel registers a tunnel backend under the given ID and installs the
// engine's callbacks on it. The tunnel starts Disconnected.
func (r *Router) AddTunnel(id string, be backend.TunnelBackend) error {
	if err := r.lifecycle.Create(id); err != nil {
		return err
	}

	r.mu.Lock()
	r.backends[id] = be
	r.mu.Unlock()

	be.SetEvents(backend.Events{
		OnConnected: func() {
			r.lifecycle.OnConnected(id)
		},
		OnDisconnected: func(reason string) {
			r.lifecycle.OnDisconnected(id, reason)
		},
		OnAddressAssigned: func(addr netip.Addr, prefixLen int) {
			r.lifecycle.OnAddressAssigned(id, addr, prefixLen)
			r.conns.SetTunnelForAddress(addr, id)
		},
		OnDNSConfigured: func(servers []netip.Addr) {
			r.lifecycle.OnDNSConfigured(id, servers)
		},
		OnRoutePushed: func(network netip.Addr, prefixLen int) {
			r.routes.AddRoute(id, network, prefixLen)
		},
		OnReceive: func(pkt []byte) {
			r.HandleTunnelReceive(id, pkt)
		},
	})
	return nil
}

// ConnectTunnel starts a connection attempt on the tunnel's backend.
// The tunnel enters Connecting (pausing the capture edge) until the backend
// reports connected or failed.
func (r *Router) ConnectTunnel(ctx context.Context, id string) error {
	be := r.backendFor(id)
	if be == nil {
		return fmt.Errorf("[Router] no backend for tunnel %q", id)
	}

	r.lifecycle.MarkConnecting(id)
	if err := be.Connect(ctx); err != nil {
		r.lifecycle.OnDisconnected(id, err.Error())
		return fmt.Errorf("[Router] connect %q: %w", id, err)
	}
	return nil
}

// CloseTunnel disconnects the backend and marks the tunnel Closed.
// After return no further packets are forwarded to it.
func (r *Router) CloseTunnel(id string) error {
	be := r.backendFor(id)
	if be == nil {
		return fmt.Errorf("[Router] no backend for tunnel %q", id)
	}
	err := be.Disconnect()
	r.lifecycle.OnClosed(id)
	return err
}

func (r *Router) backendFor(id string) backend.TunnelBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[id]
}

// Route decides what to do with one outbound packet, first match wins:
//
//  1. destination matches a pushed route
//  2. source address has an unambiguous address-cache entry
//  3. the flow has a connection entry (possibly "known direct")
//  4. orphan DNS: identity's connected tunnel, else the configured DNS
//     tunnel, else the first ready tunnel, else direct
//  5. identity policy match; records a connection entry for the flow
//  6. direct
//
// A matched tunnel that is not yet ready yields ActionQueue instead of
// ActionForward. Route mutates pkt in place when a NAT rewrite applies; the
// caller must own the buffer.
func (r *Router) Route(pkt []byte) Decision {
	desc, err := Classify(pkt)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			// Not ours to route (e.g. native IPv6): fail open.
			return Decision{Action: ActionDirect, Packet: pkt}
		}
		r.stats.classifyFailures.Add(1)
		return Decision{Action: ActionDrop, Packet: pkt}
	}

	if tid, ok := r.routes.Lookup(desc.DstAddr); ok {
		return r.decide(tid, pkt)
	}

	if tid, ok := r.conns.TunnelForAddress(desc.SrcAddr); ok {
		return r.decide(tid, pkt)
	}

	if entry, ok := r.conns.LookupConnection(desc.SrcAddr, desc.SrcPort); ok {
		if entry.TunnelID == "" {
			return Decision{Action: ActionDirect, Packet: pkt}
		}
		return r.decide(entry.TunnelID, pkt)
	}

	if desc.DstPort == dnsPort {
		if tid, ok := r.resolveDNSTunnel(desc); ok {
			return r.decide(tid, pkt)
		}
		return Decision{Action: ActionDirect, Packet: pkt}
	}

	if identity, ok := r.resolveIdentity(desc); ok {
		if tid, known := r.conns.TunnelForIdentity(identity); known {
			r.conns.RegisterConnection(desc.SrcAddr, desc.SrcPort, identity, tid)
			if tid == "" {
				return Decision{Action: ActionDirect, Packet: pkt}
			}
			return r.decide(tid, pkt)
		}
	}

	return Decision{Action: ActionDirect, Packet: pkt}
}

// resolveDNSTunnel picks a tunnel for a DNS packet with no flow history.
func (r *Router) resolveDNSTunnel(desc PacketDesc) (string, bool) {
	if identity, ok := r.resolveIdentity(desc); ok {
		if tid, known := r.conns.TunnelForIdentity(identity); known && tid != "" {
			if s := r.lifecycle.State(tid); s == StateConnected || s == StateReady {
				return tid, true
			}
		}
	}

	r.mu.RLock()
	configured := r.dnsTunnelID
	r.mu.RUnlock()
	if configured != "" {
		return configured, true
	}

	if tid, ok := r.lifecycle.FirstReady(); ok {
		return tid, true
	}
	return "", false
}

// resolveIdentity asks the external resolver who owns the flow.
// A missing resolver or a lookup failure means "identity unknown".
func (r *Router) resolveIdentity(desc PacketDesc) (string, bool) {
	if r.resolver == nil {
		return "", false
	}
	return r.resolver.ResolveOwner(
		desc.Proto,
		netip.AddrPortFrom(desc.SrcAddr, desc.SrcPort),
		netip.AddrPortFrom(desc.DstAddr, desc.DstPort),
	)
}

// decide finalizes a tunnel choice: NAT-rewrite and forward when the tunnel
// is ready, queue while it is coming up, and fail open when it has been torn
// down. A Disconnected or Closed tunnel must never accept packets into its
// queue; nothing will ever flush them.
func (r *Router) decide(tunnelID string, pkt []byte) Decision {
	switch r.lifecycle.State(tunnelID) {
	case StateReady:
		addr, _ := r.lifecycle.AssignedAddress(tunnelID)
		return Decision{Action: ActionForward, TunnelID: tunnelID, Packet: r.nat.ToTunnel(pkt, tunnelID, addr)}
	case StateConnecting, StateConnected:
		return Decision{Action: ActionQueue, TunnelID: tunnelID, Packet: pkt}
	default:
		return Decision{Action: ActionDirect, Packet: pkt}
	}
}

// Submit routes and executes the decision for one packet read from the
// capture edge. The packet is copied once here; nothing downstream aliases
// the caller's buffer.
func (r *Router) Submit(pkt []byte) {
	owned := make([]byte, len(pkt))
	copy(owned, pkt)
	r.submitOwned(owned)
}

func (r *Router) submitOwned(pkt []byte) {
	d := r.Route(pkt)
	switch d.Action {
	case ActionForward:
		be := r.backendFor(d.TunnelID)
		if be == nil || !be.Send(d.Packet) {
			r.stats.sendFailures.Add(1)
			return
		}
		r.stats.forwarded.Add(1)
	case ActionQueue:
		if !r.queue.Enqueue(d.TunnelID, d.Packet) {
			r.stats.queueOverflow.Add(1)
			return
		}
		r.stats.queued.Add(1)
	case ActionDirect:
		r.writeToEdge(d.Packet)
		r.stats.direct.Add(1)
	case ActionDrop:
		r.stats.dropped.Add(1)
	}
}

// flushQueue re-submits a newly ready tunnel's held packets through the full
// routing path, so decisions made stale by the queueing delay are redone.
func (r *Router) flushQueue(tunnelID string) {
	packets, expired := r.queue.Flush(tunnelID)
	if expired > 0 {
		r.stats.queueExpired.Add(uint64(expired))
	}
	for _, pkt := range packets {
		r.submitOwned(pkt)
	}
}

// cleanupTunnel removes every trace of a torn-down tunnel from the tables.
func (r *Router) cleanupTunnel(tunnelID string) {
	r.conns.ClearForTunnel(tunnelID)
	r.routes.RemoveRoutesForTunnel(tunnelID)
	if n := r.queue.Drop(tunnelID); n > 0 {
		r.stats.dropped.Add(uint64(n))
	}
	r.nat.Forget(tunnelID)
}

// HandleTunnelReceive reverses the NAT rewrite on one inbound packet from a
// tunnel and re-injects it toward the device.
func (r *Router) HandleTunnelReceive(tunnelID string, pkt []byte) {
	owned := make([]byte, len(pkt))
	copy(owned, pkt)

	if addr, ok := r.lifecycle.AssignedAddress(tunnelID); ok {
		owned = r.nat.FromTunnel(owned, tunnelID, addr)
	}
	r.writeToEdge(owned)
}

// writeToEdge sends a packet to the capture edge. On failure, increments the
// drop counter and logs every 10 000 drops.
func (r *Router) writeToEdge(pkt []byte) {
	r.mu.RLock()
	edge := r.edge
	r.mu.RUnlock()

	if edge == nil {
		r.stats.edgeWriteDrops.Add(1)
		return
	}
	if err := edge.WritePacket(pkt); err != nil {
		if d := r.stats.edgeWriteDrops.Add(1); d == 1 || d%10000 == 0 {
			core.Log.Debugf("Router", "Edge write drop #%d: %v", d, err)
		}
	}
}

// SetEdge installs or replaces the capture edge.
func (r *Router) SetEdge(edge backend.CaptureEdge) {
	r.mu.Lock()
	r.edge = edge
	r.mu.Unlock()
}

// SetDNSTunnel replaces the preferred tunnel for orphan DNS traffic.
func (r *Router) SetDNSTunnel(tunnelID string) {
	r.mu.Lock()
	r.dnsTunnelID = tunnelID
	r.mu.Unlock()
}

// Run reads packets from the capture edge until ctx is cancelled, honoring
// the readiness coordinator's pause signal between reads.
func (r *Router) Run(ctx context.Context) error {
	r.mu.RLock()
	edge := r.edge
	r.mu.RUnlock()
	if edge == nil {
		return errors.New("[Router] no capture edge configured")
	}

	gate := r.ready.Subscribe()
	buf := make([]byte, maxPacketSize)

	core.Log.Infof("Router", "Packet loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for r.ready.Paused() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-gate:
				// Loop condition re-checks the latest pause state.
			}
		}

		n, err := edge.ReadPacket(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				core.Log.Errorf("Router", "Edge read error: %v", err)
				continue
			}
		}
		r.Submit(buf[:n])
	}
}

// Tracker exposes the connection tracker so the policy layer can feed the
// identity index ahead of packet arrival.
func (r *Router) Tracker() *ConnectionTracker {
	return r.conns
}

// Lifecycle exposes the tunnel lifecycle for status inspection.
func (r *Router) Lifecycle() *TunnelLifecycle {
	return r.lifecycle
}

// Readiness exposes the capture pause/resume coordinator.
func (r *Router) Readiness() *ReadinessCoordinator {
	return r.ready
}

// Stats returns a snapshot of the packet counters.
func (r *Router) Stats() Stats {
	return Stats{
		Forwarded:        r.stats.forwarded.Load(),
		Queued:           r.stats.queued.Load(),
		Direct:           r.stats.direct.Load(),
		Dropped:          r.stats.dropped.Load(),
		ClassifyFailures: r.stats.classifyFailures.Load(),
		QueueOverflow:    r.stats.queueOverflow.Load(),
		QueueExpired:     r.stats.queueExpired.Load(),
		SendFailures:     r.stats.sendFailures.Load(),
		EdgeWriteDrops:   r.stats.edgeWriteDrops.Load(),
	}
}
