package engine

import (
	"net/netip"
	"sync"
	"time"

	"tunmux/internal/core"
)

// flowKey identifies a flow by its source endpoint.
type flowKey struct {
	addr netip.Addr
	port uint16
}

// ConnectionEntry caches the routing outcome for one flow.
// An empty TunnelID means "known direct": the flow was seen and deliberately
// bypasses all tunnels.
type ConnectionEntry struct {
	Identity  string
	TunnelID  string
	CreatedAt time.Time
}

// addrMapping is one row of the address → tunnel cache, holding every tunnel
// that has claimed the address. The address resolves only while exactly one
// claimant remains; with rivals present it is ambiguous and never returned.
type addrMapping struct {
	claimants map[string]struct{}
}

// ConnectionTracker maps flows to routing outcomes with TTL eviction, plus an
// identity → tunnel policy index and an address → tunnel cache.
//
// One RWMutex guards all three maps so removal APIs stay atomic with respect
// to concurrent lookups. Flow counts are in the thousands and routes in the
// tens; this lock is not a contention point at that scale.
type ConnectionTracker struct {
	mu         sync.RWMutex
	flows      map[flowKey]ConnectionEntry
	identities map[string]string // identity → tunnel ID ("" = direct)
	addrs      map[netip.Addr]addrMapping

	ttl        time.Duration
	maxEntries int
	now        func() time.Time // test seam; time.Now in production
}

// NewConnectionTracker creates a tracker with the given TTL and soft size cap.
// Zero values select the engine defaults (300s, 10000).
func NewConnectionTracker(ttl time.Duration, maxEntries int) *ConnectionTracker {
	if ttl <= 0 {
		ttl = defaultConnTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxConnEntries
	}
	return &ConnectionTracker{
		flows:      make(map[flowKey]ConnectionEntry),
		identities: make(map[string]string),
		addrs:      make(map[netip.Addr]addrMapping),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// RegisterConnection inserts or overwrites the flow-cache row for
// (srcAddr, srcPort). At the size cap it evicts stale rows first; if the
// table is still full the insert proceeds anyway — the cap bounds growth
// under pressure, it is not a hard limit.
func (ct *ConnectionTracker) RegisterConnection(srcAddr netip.Addr, srcPort uint16, identity, tunnelID string) {
	key := flowKey{addr: srcAddr.Unmap(), port: srcPort}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	if len(ct.flows) >= ct.maxEntries {
		ct.evictStaleLocked()
	}

	ct.flows[key] = ConnectionEntry{
		Identity:  identity,
		TunnelID:  tunnelID,
		CreatedAt: ct.now(),
	}
}

// LookupConnection returns the flow-cache row for (srcAddr, srcPort).
// Rows past their TTL are deleted on read and reported as absent.
func (ct *ConnectionTracker) LookupConnection(srcAddr netip.Addr, srcPort uint16) (ConnectionEntry, bool) {
	key := flowKey{addr: srcAddr.Unmap(), port: srcPort}

	ct.mu.RLock()
	entry, ok := ct.flows[key]
	ct.mu.RUnlock()
	if !ok {
		return ConnectionEntry{}, false
	}

	if ct.now().Sub(entry.CreatedAt) > ct.ttl {
		ct.mu.Lock()
		// Re-check under the write lock; the row may have been refreshed.
		if cur, still := ct.flows[key]; still && ct.now().Sub(cur.CreatedAt) > ct.ttl {
			delete(ct.flows, key)
		}
		ct.mu.Unlock()
		return ConnectionEntry{}, false
	}

	return entry, true
}

// evictStaleLocked removes all flow rows older than the TTL.
// Caller holds the write lock.
func (ct *ConnectionTracker) evictStaleLocked() {
	cutoff := ct.now().Add(-ct.ttl)
	removed := 0
	for key, entry := range ct.flows {
		if entry.CreatedAt.Before(cutoff) {
			delete(ct.flows, key)
			removed++
		}
	}
	if removed > 0 {
		core.Log.Debugf("Conntrack", "Evicted %d stale flows", removed)
	}
}

// SetIdentityTunnel records the policy "identity routes via tunnelID".
// An empty tunnelID means the identity is pinned direct.
func (ct *ConnectionTracker) SetIdentityTunnel(identity, tunnelID string) {
	ct.mu.Lock()
	ct.identities[identity] = tunnelID
	ct.mu.Unlock()
}

// TunnelForIdentity returns the policy tunnel for an identity, letting a
// brand-new flow from a known identity route correctly on its first packet.
func (ct *ConnectionTracker) TunnelForIdentity(identity string) (string, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	id, ok := ct.identities[identity]
	return id, ok
}

// SetTunnelForAddress records that addr belongs to a tunnel. While more than
// one tunnel holds a claim the address is ambiguous; the claim is released
// again by ClearForTunnel, so a sole surviving claimant owns the address.
func (ct *ConnectionTracker) SetTunnelForAddress(addr netip.Addr, tunnelID string) {
	addr = addr.Unmap()

	ct.mu.Lock()
	defer ct.mu.Unlock()

	m, ok := ct.addrs[addr]
	if !ok {
		m = addrMapping{claimants: make(map[string]struct{}, 1)}
		ct.addrs[addr] = m
	}
	if _, claimed := m.claimants[tunnelID]; claimed {
		return
	}
	m.claimants[tunnelID] = struct{}{}
	if len(m.claimants) > 1 {
		core.Log.Warnf("Conntrack", "Address %s claimed by %d tunnels, ambiguous until all but one release it", addr, len(m.claimants))
	}
}

// TunnelForAddress returns the tunnel owning addr, or false if the address is
// unknown or ambiguous. Ambiguity never guesses.
func (ct *ConnectionTracker) TunnelForAddress(addr netip.Addr) (string, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	m, ok := ct.addrs[addr.Unmap()]
	if !ok || len(m.claimants) != 1 {
		return "", false
	}
	for tid := range m.claimants {
		return tid, true
	}
	return "", false
}

// ClearForIdentity removes every row referencing the identity from all three
// maps in one critical section.
func (ct *ConnectionTracker) ClearForIdentity(identity string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	delete(ct.identities, identity)
	for key, entry := range ct.flows {
		if entry.Identity == identity {
			delete(ct.flows, key)
		}
	}
}

// ClearForTunnel removes every row referencing the tunnel from all three
// maps in one critical section. Called on tunnel teardown.
func (ct *ConnectionTracker) ClearForTunnel(tunnelID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	removed := 0
	for key, entry := range ct.flows {
		if entry.TunnelID == tunnelID {
			delete(ct.flows, key)
			removed++
		}
	}
	for identity, id := range ct.identities {
		if id == tunnelID {
			delete(ct.identities, identity)
		}
	}
	for addr, m := range ct.addrs {
		if _, claimed := m.claimants[tunnelID]; claimed {
			delete(m.claimants, tunnelID)
			if len(m.claimants) == 0 {
				delete(ct.addrs, addr)
			}
		}
	}

	core.Log.Infof("Conntrack", "Cleared %d flows for tunnel %q", removed, tunnelID)
}

// FlowCount returns the current flow-cache size.
func (ct *ConnectionTracker) FlowCount() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.flows)
}
