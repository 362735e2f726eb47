package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventTunnelStateChanged EventType = iota
	EventRuleAdded
	EventRuleRemoved
	EventConfigReloaded
	EventCaptureGate
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// TunnelStatePayload is the payload for EventTunnelStateChanged.
// States are the engine's TunnelState values; the bus stays untyped here to
// avoid a core → engine import cycle.
type TunnelStatePayload struct {
	TunnelID string
	OldState int
	NewState int
	Reason   string // set on disconnect
}

// RulePayload is the payload for rule-related events.
type RulePayload struct {
	Rule AppRule
}

// CaptureGatePayload is the payload for EventCaptureGate.
// Paused=true tells the capture-edge owner to stop reading.
type CaptureGatePayload struct {
	Paused bool
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
// Tunnel teardown relies on this: once the publisher returns, every
// subscriber has observed the transition.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}
