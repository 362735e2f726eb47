package engine

import (
	"sync"

	"tunmux/internal/core"
)

// ReadinessCoordinator aggregates tunnel lifecycle states into a single
// pause/resume signal for the capture-edge owner. While any tunnel is
// mid-handshake (Connecting) the edge must stop reading, because the
// handshake needs exclusive access to the shared configuration signals.
//
// This is a boolean broadcast, not a lock: the coordinator never blocks the
// packet path and subscribers observe at-least-the-latest value.
type ReadinessCoordinator struct {
	mu         sync.Mutex
	connecting map[string]struct{}
	paused     bool
	subs       []chan bool
	bus        *core.EventBus
}

// NewReadinessCoordinator creates a coordinator fed by tunnel state events
// on the bus.
func NewReadinessCoordinator(bus *core.EventBus) *ReadinessCoordinator {
	rc := &ReadinessCoordinator{
		connecting: make(map[string]struct{}),
		bus:        bus,
	}
	if bus != nil {
		bus.Subscribe(core.EventTunnelStateChanged, func(e core.Event) {
			p, ok := e.Payload.(core.TunnelStatePayload)
			if !ok {
				return
			}
			rc.trackState(p.TunnelID, TunnelState(p.NewState))
		})
	}
	return rc
}

// trackState updates the handshake set and broadcasts on edge transitions.
func (rc *ReadinessCoordinator) trackState(tunnelID string, state TunnelState) {
	rc.mu.Lock()
	if state == StateConnecting {
		rc.connecting[tunnelID] = struct{}{}
	} else {
		delete(rc.connecting, tunnelID)
	}
	paused := len(rc.connecting) > 0
	changed := paused != rc.paused
	rc.paused = paused
	subs := rc.subs
	rc.mu.Unlock()

	if !changed {
		return
	}

	if paused {
		core.Log.Infof("Readiness", "Pausing capture: tunnel %q mid-handshake", tunnelID)
	} else {
		core.Log.Infof("Readiness", "Resuming capture")
	}

	for _, ch := range subs {
		// Latest-value semantics: drop a stale pending value before sending.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- paused:
		default:
		}
	}

	if rc.bus != nil {
		rc.bus.Publish(core.Event{
			Type:    core.EventCaptureGate,
			Payload: core.CaptureGatePayload{Paused: paused},
		})
	}
}

// Paused reports whether the capture edge should currently hold off reading.
func (rc *ReadinessCoordinator) Paused() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.paused
}

// Subscribe returns a channel that receives the pause flag on every change.
// The channel holds only the latest value; slow readers never block the
// coordinator.
func (rc *ReadinessCoordinator) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	rc.mu.Lock()
	rc.subs = append(rc.subs, ch)
	rc.mu.Unlock()
	return ch
}
