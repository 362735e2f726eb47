// Package policy feeds identity routing assignments into the engine ahead of
// packet arrival, so the packet path answers policy questions from memory.
package policy

import (
	"sync"

	"tunmux/internal/core"
	"tunmux/internal/engine"
)

// Store supplies the current identity→tunnel assignments and notifies
// subscribers whenever the set changes.
type Store interface {
	// Rules returns the current assignments.
	Rules() []core.AppRule

	// Subscribe registers fn and immediately invokes it with the current
	// rules, then again on every change.
	Subscribe(fn func(rules []core.AppRule))
}

// StaticStore is a Store whose rules are replaced wholesale via Set.
type StaticStore struct {
	mu    sync.Mutex
	rules []core.AppRule
	subs  []func(rules []core.AppRule)
}

// NewStaticStore creates a store holding the given initial rules.
func NewStaticStore(rules []core.AppRule) *StaticStore {
	return &StaticStore{rules: append([]core.AppRule(nil), rules...)}
}

// Rules returns a copy of the current assignments.
func (s *StaticStore) Rules() []core.AppRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.AppRule(nil), s.rules...)
}

// Set replaces the rule set and notifies all subscribers.
func (s *StaticStore) Set(rules []core.AppRule) {
	s.mu.Lock()
	s.rules = append([]core.AppRule(nil), rules...)
	subs := s.subs
	snapshot := append([]core.AppRule(nil), s.rules...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// Subscribe registers fn and fires it once with the current rules.
func (s *StaticStore) Subscribe(fn func(rules []core.AppRule)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	snapshot := append([]core.AppRule(nil), s.rules...)
	s.mu.Unlock()

	fn(snapshot)
}

// configStore adapts a ConfigManager into a Store: its rules come from the
// loaded configuration and re-notify on every config reload event.
type configStore struct {
	mu   sync.Mutex
	cm   *core.ConfigManager
	subs []func(rules []core.AppRule)
}

// FromConfig creates a Store backed by the configuration file, refreshed on
// EventConfigReloaded.
func FromConfig(cm *core.ConfigManager, bus *core.EventBus) Store {
	cs := &configStore{cm: cm}
	if bus != nil {
		bus.Subscribe(core.EventConfigReloaded, func(core.Event) {
			cs.notify()
		})
	}
	return cs
}

func (cs *configStore) Rules() []core.AppRule {
	return cs.cm.GetRules()
}

func (cs *configStore) Subscribe(fn func(rules []core.AppRule)) {
	cs.mu.Lock()
	cs.subs = append(cs.subs, fn)
	cs.mu.Unlock()

	fn(cs.cm.GetRules())
}

func (cs *configStore) notify() {
	cs.mu.Lock()
	subs := cs.subs
	cs.mu.Unlock()

	rules := cs.cm.GetRules()
	for _, fn := range subs {
		fn(rules)
	}
}

// Bind applies a store's rules into the connection tracker's identity index
// and keeps it current: updated identities are re-pointed, and identities
// dropped from the rule set have their assignment and live flows cleared.
func Bind(store Store, tracker *engine.ConnectionTracker) {
	var mu sync.Mutex
	prev := make(map[string]struct{})

	store.Subscribe(func(rules []core.AppRule) {
		mu.Lock()
		defer mu.Unlock()

		next := make(map[string]struct{}, len(rules))
		for _, r := range rules {
			tracker.SetIdentityTunnel(r.Identity, r.TunnelID)
			next[r.Identity] = struct{}{}
		}
		for identity := range prev {
			if _, ok := next[identity]; !ok {
				tracker.ClearForIdentity(identity)
				core.Log.Infof("Policy", "Identity %q removed from rules, flows cleared", identity)
			}
		}
		prev = next
	})
}
