package engine

import (
	"fmt"
	"net/netip"
	"sync"

	"tunmux/internal/core"
)

// TunnelState represents the lifecycle state of a tunnel.
type TunnelState int

const (
	StateDisconnected TunnelState = iota
	StateConnecting
	StateConnected
	StateReady
	StateClosed
)

func (s TunnelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// tunnel is the lifecycle's view of one logical tunnel.
type tunnel struct {
	id        string
	state     TunnelState
	addr      netip.Addr
	prefixLen int
	dns       []netip.Addr
	subnet    netip.Prefix
	primary   bool

	hasAddr bool
	hasDNS  bool

	lastReason string // last disconnect reason, for the external layer
}

// TunnelSnapshot is a race-free copy of a tunnel's externally visible state.
type TunnelSnapshot struct {
	ID              string
	State           TunnelState
	AssignedAddress netip.Addr
	PrefixLen       int
	DNSServers      []netip.Addr
	Subnet          netip.Prefix
	Primary         bool
	LastReason      string
}

// TunnelLifecycle owns per-tunnel state machines:
//
//	Disconnected → Connecting → Connected → Ready
//
// with Connecting/Connected able to fall back to Disconnected (failure) or
// Closed (explicit) at any time. Ready requires both an assigned address and
// DNS configuration, in either order. Backend callbacks are idempotent.
//
// When several tunnels claim the same assigned subnet, the first claimant is
// primary for that subnet; secondaries keep independent state machines and
// stay reachable through the connection tracker and route table, but do not
// drive the capture edge's externally visible configuration.
type TunnelLifecycle struct {
	mu      sync.RWMutex
	tunnels map[string]*tunnel
	order   []string          // creation order, for deterministic FirstReady
	subnets map[netip.Prefix]string // subnet → primary tunnel ID
	bus     *core.EventBus
}

// NewTunnelLifecycle creates a lifecycle manager publishing on bus.
func NewTunnelLifecycle(bus *core.EventBus) *TunnelLifecycle {
	return &TunnelLifecycle{
		tunnels: make(map[string]*tunnel),
		subnets: make(map[netip.Prefix]string),
		bus:     bus,
	}
}

// Create registers a new tunnel in Disconnected state.
func (tl *TunnelLifecycle) Create(id string) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if _, exists := tl.tunnels[id]; exists {
		return fmt.Errorf("[Lifecycle] tunnel %q already exists", id)
	}
	tl.tunnels[id] = &tunnel{id: id, state: StateDisconnected}
	tl.order = append(tl.order, id)

	core.Log.Infof("Lifecycle", "Created tunnel %q", id)
	return nil
}

// MarkConnecting moves a tunnel into Connecting when a connection attempt
// starts. No-op from Closed.
func (tl *TunnelLifecycle) MarkConnecting(id string) {
	tl.transition(id, func(t *tunnel) (TunnelState, bool) {
		if t.state == StateClosed {
			return t.state, false
		}
		return StateConnecting, true
	}, "")
}

// OnConnected is the backend callback for a completed handshake.
// Idempotent; re-evaluates readiness in case configuration arrived first.
func (tl *TunnelLifecycle) OnConnected(id string) {
	tl.transition(id, func(t *tunnel) (TunnelState, bool) {
		if t.state == StateClosed || t.state == StateReady {
			return t.state, false
		}
		if t.hasAddr && t.hasDNS {
			return StateReady, true
		}
		return StateConnected, t.state != StateConnected
	}, "")
}

// OnDisconnected is the backend callback for a lost or failed connection.
// Both readiness bits are cleared; the reason is kept for the external layer.
// Table and queue cleanup happens in the bus subscribers, synchronously with
// the Publish below, so no packet is forwarded to this tunnel after return.
func (tl *TunnelLifecycle) OnDisconnected(id, reason string) {
	tl.transition(id, func(t *tunnel) (TunnelState, bool) {
		if t.state == StateClosed {
			return t.state, false
		}
		t.hasAddr = false
		t.hasDNS = false
		t.addr = netip.Addr{}
		t.dns = nil
		t.lastReason = reason
		tl.releaseSubnetLocked(t)
		return StateDisconnected, t.state != StateDisconnected
	}, reason)
}

// OnClosed handles an explicit close. The tunnel stays registered in Closed
// state until Remove; all cleanup runs exactly as for a disconnect.
func (tl *TunnelLifecycle) OnClosed(id string) {
	tl.transition(id, func(t *tunnel) (TunnelState, bool) {
		t.hasAddr = false
		t.hasDNS = false
		t.addr = netip.Addr{}
		t.dns = nil
		tl.releaseSubnetLocked(t)
		return StateClosed, t.state != StateClosed
	}, "closed")
}

// Remove drops a closed tunnel from the lifecycle entirely.
func (tl *TunnelLifecycle) Remove(id string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if t, ok := tl.tunnels[id]; ok {
		tl.releaseSubnetLocked(t)
		delete(tl.tunnels, id)
		for i, oid := range tl.order {
			if oid == id {
				tl.order = append(tl.order[:i], tl.order[i+1:]...)
				break
			}
		}
	}
}

// OnAddressAssigned is the backend callback for the tunnel's assigned address.
// Idempotent; sets the address readiness bit and re-evaluates Ready.
// The first tunnel to claim a subnet becomes primary for it.
func (tl *TunnelLifecycle) OnAddressAssigned(id string, addr netip.Addr, prefixLen int) {
	if !addr.Is4() {
		core.Log.Warnf("Lifecycle", "Tunnel %q assigned non-IPv4 address %s, ignoring", id, addr)
		return
	}

	tl.transition(id, func(t *tunnel) (TunnelState, bool) {
		if t.state == StateClosed {
			return t.state, false
		}

		t.addr = addr
		t.prefixLen = prefixLen
		t.hasAddr = true

		if subnet, err := addr.Prefix(prefixLen); err == nil {
			t.subnet = subnet
			if owner, claimed := tl.subnets[subnet]; !claimed {
				tl.subnets[subnet] = t.id
				t.primary = true
			} else if owner == t.id {
				t.primary = true
			} else {
				t.primary = false
				core.Log.Infof("Lifecycle", "Tunnel %q shares subnet %s with primary %q", t.id, subnet, owner)
			}
		}

		if t.state == StateConnected && t.hasDNS {
			return StateReady, true
		}
		return t.state, false
	}, "")
}

// OnDNSConfigured is the backend callback for pushed DNS servers.
// Idempotent; sets the DNS readiness bit and re-evaluates Ready.
func (tl *TunnelLifecycle) OnDNSConfigured(id string, servers []netip.Addr) {
	tl.transition(id, func(t *tunnel) (TunnelState, bool) {
		if t.state == StateClosed {
			return t.state, false
		}
		t.dns = append([]netip.Addr(nil), servers...)
		t.hasDNS = true

		if t.state == StateConnected && t.hasAddr {
			return StateReady, true
		}
		return t.state, false
	}, "")
}

// transition applies fn under the lock and publishes a state-change event if
// the state actually moved.
func (tl *TunnelLifecycle) transition(id string, fn func(*tunnel) (TunnelState, bool), reason string) {
	tl.mu.Lock()
	t, ok := tl.tunnels[id]
	if !ok {
		tl.mu.Unlock()
		return
	}
	old := t.state
	next, changed := fn(t)
	t.state = next
	tl.mu.Unlock()

	if !changed || old == next {
		return
	}

	core.Log.Infof("Lifecycle", "Tunnel %q: %s → %s", id, old, next)
	if tl.bus != nil {
		tl.bus.Publish(core.Event{
			Type: core.EventTunnelStateChanged,
			Payload: core.TunnelStatePayload{
				TunnelID: id,
				OldState: int(old),
				NewState: int(next),
				Reason:   reason,
			},
		})
	}
}

// releaseSubnetLocked gives up a subnet claim; the next tunnel to report the
// subnet becomes primary. Caller holds the write lock.
func (tl *TunnelLifecycle) releaseSubnetLocked(t *tunnel) {
	if t.primary && t.subnet.IsValid() {
		delete(tl.subnets, t.subnet)
	}
	t.primary = false
	t.subnet = netip.Prefix{}
}

// State returns the current state of a tunnel.
func (tl *TunnelLifecycle) State(id string) TunnelState {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	if t, ok := tl.tunnels[id]; ok {
		return t.state
	}
	return StateDisconnected
}

// Ready reports whether a tunnel is fully ready to carry traffic.
func (tl *TunnelLifecycle) Ready(id string) bool {
	return tl.State(id) == StateReady
}

// AssignedAddress returns the tunnel's assigned address, if reported.
func (tl *TunnelLifecycle) AssignedAddress(id string) (netip.Addr, bool) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	if t, ok := tl.tunnels[id]; ok && t.hasAddr {
		return t.addr, true
	}
	return netip.Addr{}, false
}

// DNSServers returns the tunnel's pushed DNS servers, if reported.
func (tl *TunnelLifecycle) DNSServers(id string) ([]netip.Addr, bool) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	if t, ok := tl.tunnels[id]; ok && t.hasDNS {
		return append([]netip.Addr(nil), t.dns...), true
	}
	return nil, false
}

// IsPrimary reports whether the tunnel is the primary claimant of its subnet.
func (tl *TunnelLifecycle) IsPrimary(id string) bool {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	t, ok := tl.tunnels[id]
	return ok && t.primary
}

// FirstReady returns the oldest tunnel (by creation order) in Ready state.
func (tl *TunnelLifecycle) FirstReady() (string, bool) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	for _, id := range tl.order {
		if t, ok := tl.tunnels[id]; ok && t.state == StateReady {
			return id, true
		}
	}
	return "", false
}

// Snapshot returns a race-free copy of one tunnel's state.
func (tl *TunnelLifecycle) Snapshot(id string) (TunnelSnapshot, bool) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	t, ok := tl.tunnels[id]
	if !ok {
		return TunnelSnapshot{}, false
	}
	return snapshotLocked(t), true
}

// All returns snapshots of every tunnel in creation order.
func (tl *TunnelLifecycle) All() []TunnelSnapshot {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	result := make([]TunnelSnapshot, 0, len(tl.order))
	for _, id := range tl.order {
		if t, ok := tl.tunnels[id]; ok {
			result = append(result, snapshotLocked(t))
		}
	}
	return result
}

func snapshotLocked(t *tunnel) TunnelSnapshot {
	return TunnelSnapshot{
		ID:              t.id,
		State:           t.state,
		AssignedAddress: t.addr,
		PrefixLen:       t.prefixLen,
		DNSServers:      append([]netip.Addr(nil), t.dns...),
		Subnet:          t.subnet,
		Primary:         t.primary,
		LastReason:      t.lastReason,
	}
}
