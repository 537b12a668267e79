// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import "sync"

// Monitor tracks the binary online/offline signal. The embedding
// application feeds it from whatever platform signal it has (OS network
// change events, a heartbeat, a UI toggle in tests); the sync core only
// consumes the boolean and its transitions.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	observers map[int]func(online bool)
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, observers: make(map[int]func(bool))}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a new connectivity state. Observers fire only on an
// actual transition, synchronously and outside the monitor lock.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	obs := make([]func(bool), 0, len(m.observers))
	for _, fn := range m.observers {
		obs = append(obs, fn)
	}
	m.mu.Unlock()

	for _, fn := range obs {
		fn(online)
	}
}

// Notify registers a transition observer and returns its unsubscribe
// function. Registration is explicit so there is no hidden coupling through
// ambient event names.
func (m *Monitor) Notify(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}
