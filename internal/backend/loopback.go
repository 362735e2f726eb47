package backend

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// LoopbackConfig describes the network configuration a Loopback backend
// reports after Connect, standing in for what a real tunnel's remote side
// would push.
type LoopbackConfig struct {
	Address    netip.Addr
	PrefixLen  int
	DNSServers []netip.Addr
	Routes     []netip.Prefix
}

// ParseLoopbackSettings decodes the generic tunnel settings map for a
// loopback backend. Recognized keys: address ("10.5.0.2/24"), dns (list of
// addresses), routes (list of prefixes).
func ParseLoopbackSettings(settings map[string]any) (LoopbackConfig, error) {
	var cfg LoopbackConfig

	if v, ok := settings["address"]; ok {
		s, ok := v.(string)
		if !ok {
			return cfg, fmt.Errorf("address must be a string, got %T", v)
		}
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return cfg, fmt.Errorf("address %q: %w", s, err)
		}
		cfg.Address = pfx.Addr()
		cfg.PrefixLen = pfx.Bits()
	}

	if v, ok := settings["dns"]; ok {
		items, ok := v.([]any)
		if !ok {
			return cfg, fmt.Errorf("dns must be a list, got %T", v)
		}
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return cfg, fmt.Errorf("dns entry must be a string, got %T", item)
			}
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return cfg, fmt.Errorf("dns server %q: %w", s, err)
			}
			cfg.DNSServers = append(cfg.DNSServers, addr)
		}
	}

	if v, ok := settings["routes"]; ok {
		items, ok := v.([]any)
		if !ok {
			return cfg, fmt.Errorf("routes must be a list, got %T", v)
		}
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return cfg, fmt.Errorf("route entry must be a string, got %T", item)
			}
			pfx, err := netip.ParsePrefix(s)
			if err != nil {
				return cfg, fmt.Errorf("route %q: %w", s, err)
			}
			cfg.Routes = append(cfg.Routes, pfx)
		}
	}

	return cfg, nil
}

// Loopback is an in-memory TunnelBackend that performs no encryption and
// sends nothing anywhere: Connect replays the configured callbacks and Send
// records packets for inspection. It backs the daemon's dry-run mode and the
// engine tests.
type Loopback struct {
	mu        sync.Mutex
	cfg       LoopbackConfig
	events    Events
	connected bool
	sent      [][]byte
}

// NewLoopback creates a loopback backend reporting the given configuration.
func NewLoopback(cfg LoopbackConfig) *Loopback {
	return &Loopback{cfg: cfg}
}

// SetEvents installs the engine's callbacks.
func (lb *Loopback) SetEvents(ev Events) {
	lb.mu.Lock()
	lb.events = ev
	lb.mu.Unlock()
}

// Connect marks the backend connected and replays the configured callbacks:
// connected, then address, DNS, and routes.
func (lb *Loopback) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lb.mu.Lock()
	lb.connected = true
	ev := lb.events
	cfg := lb.cfg
	lb.mu.Unlock()

	if ev.OnConnected != nil {
		ev.OnConnected()
	}
	if ev.OnAddressAssigned != nil && cfg.Address.IsValid() {
		ev.OnAddressAssigned(cfg.Address, cfg.PrefixLen)
	}
	if ev.OnDNSConfigured != nil && len(cfg.DNSServers) > 0 {
		ev.OnDNSConfigured(cfg.DNSServers)
	}
	if ev.OnRoutePushed != nil {
		for _, r := range cfg.Routes {
			ev.OnRoutePushed(r.Addr(), r.Bits())
		}
	}
	return nil
}

// Disconnect marks the backend disconnected and fires OnDisconnected.
func (lb *Loopback) Disconnect() error {
	lb.mu.Lock()
	wasConnected := lb.connected
	lb.connected = false
	ev := lb.events
	lb.mu.Unlock()

	if wasConnected && ev.OnDisconnected != nil {
		ev.OnDisconnected("disconnect requested")
	}
	return nil
}

// Fail simulates a backend failure with the given reason.
func (lb *Loopback) Fail(reason string) {
	lb.mu.Lock()
	lb.connected = false
	ev := lb.events
	lb.mu.Unlock()

	if ev.OnDisconnected != nil {
		ev.OnDisconnected(reason)
	}
}

// Ready reports whether Connect has completed.
func (lb *Loopback) Ready() bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.connected
}

// Send records the packet. Always succeeds while connected.
func (lb *Loopback) Send(pkt []byte) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if !lb.connected {
		return false
	}
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	lb.sent = append(lb.sent, buf)
	return true
}

// Sent returns copies of all packets handed to Send.
func (lb *Loopback) Sent() [][]byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([][]byte, len(lb.sent))
	for i, p := range lb.sent {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// Inject delivers an inbound packet through OnReceive, as if it had arrived
// decrypted from the remote side.
func (lb *Loopback) Inject(pkt []byte) {
	lb.mu.Lock()
	ev := lb.events
	lb.mu.Unlock()

	if ev.OnReceive != nil {
		ev.OnReceive(pkt)
	}
}
