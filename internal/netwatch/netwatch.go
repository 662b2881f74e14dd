// Package netwatch tracks device connectivity. The sync engine subscribes
// to offline→online transitions to drain the pending-write ledger, and the
// backup manager consults the current state to skip futile cycles.
package netwatch

import (
	"sync"
)

// Monitor holds the current online state and fans out transitions to
// subscribers. State changes are reported by a Prober or set directly by
// the embedding platform.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[chan bool]struct{}
}

// New creates a monitor with the given initial state.
func New(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[chan bool]struct{}),
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Offline is the negation of Online.
func (m *Monitor) Offline() bool {
	return !m.Online()
}

// SetOnline records a new connectivity state. Subscribers are notified
// only on an actual transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	var targets []chan bool
	if changed {
		for ch := range m.subs {
			targets = append(targets, ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- online:
		default:
			// Subscriber buffer full; it will observe the state on its
			// next read of Online.
		}
	}
}

// Subscribe registers for transition notifications. The returned cancel
// function must be called when the subscriber goes away.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
	return ch, cancel
}
