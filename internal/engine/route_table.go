package engine

import (
	"net/netip"
	"sync"

	"tunmux/internal/core"
)

// routeEntry is one pushed destination route.
type routeEntry struct {
	tunnelID string
	prefix   netip.Prefix
	seq      uint64 // insertion order; larger wins on equal prefix length
}

// RouteTable is a longest-prefix-match table of pushed routes. Routes are
// IPv4 only; the tunnels in this core never push IPv6 routes. Route counts
// are in the tens, so a linear scan under RWMutex is deliberate.
type RouteTable struct {
	mu      sync.RWMutex
	entries []routeEntry
	nextSeq uint64
}

// NewRouteTable creates an empty route table.
func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

// AddRoute upserts a route pushed by a tunnel. A duplicate
// (tunnel, network, prefix) replaces the existing entry silently and counts
// as most-recently-added for tie-breaking.
func (rt *RouteTable) AddRoute(tunnelID string, network netip.Addr, prefixLen int) {
	if !network.Is4() {
		core.Log.Warnf("Route", "Ignoring non-IPv4 route %s/%d from %q", network, prefixLen, tunnelID)
		return
	}
	prefix, err := network.Prefix(prefixLen)
	if err != nil {
		core.Log.Warnf("Route", "Ignoring invalid route %s/%d from %q: %v", network, prefixLen, tunnelID, err)
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.nextSeq++
	for i := range rt.entries {
		if rt.entries[i].tunnelID == tunnelID && rt.entries[i].prefix == prefix {
			rt.entries[i].seq = rt.nextSeq
			return
		}
	}
	rt.entries = append(rt.entries, routeEntry{tunnelID: tunnelID, prefix: prefix, seq: rt.nextSeq})
	core.Log.Debugf("Route", "Added %s → %q", prefix, tunnelID)
}

// RemoveRoutesForTunnel bulk-removes every route owned by a tunnel.
// Called on tunnel teardown.
func (rt *RouteTable) RemoveRoutesForTunnel(tunnelID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kept := rt.entries[:0]
	removed := 0
	for _, e := range rt.entries {
		if e.tunnelID == tunnelID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	rt.entries = kept

	if removed > 0 {
		core.Log.Infof("Route", "Removed %d routes for tunnel %q", removed, tunnelID)
	}
}

// Lookup returns the tunnel owning the most specific route containing dst.
// Ties on prefix length go to the most-recently-added entry.
func (rt *RouteTable) Lookup(dst netip.Addr) (string, bool) {
	if !dst.Is4() {
		return "", false
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var (
		best    string
		bestLen = -1
		bestSeq uint64
		found   bool
	)
	for _, e := range rt.entries {
		if !e.prefix.Contains(dst) {
			continue
		}
		if e.prefix.Bits() > bestLen || (e.prefix.Bits() == bestLen && e.seq > bestSeq) {
			best = e.tunnelID
			bestLen = e.prefix.Bits()
			bestSeq = e.seq
			found = true
		}
	}
	return best, found
}

// Len returns the number of installed routes.
func (rt *RouteTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.entries)
}
