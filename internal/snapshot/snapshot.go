// Package snapshot holds the concurrent "latest reading per sensor"
// map the bus loop publishes into and callers read from: a point-in-
// time copy on every read, time-based eviction of entries that haven't
// been refreshed recently, and a non-blocking subscription bus so HTTP
// callers can stream changes instead of polling.
package snapshot

import (
	"sync"

	"github.com/fieldsense/i2csensors/internal/models"
)

const subBufferSize = 8

// Map is a concurrency-safe store of the most recent SensorState per
// sensor unique-id.
type Map struct {
	mu   sync.RWMutex
	byID map[string]models.SensorState

	subMu sync.Mutex
	subs  map[string]chan models.SensorState
}

// New creates an empty Map.
func New() *Map {
	return &Map{
		byID: make(map[string]models.SensorState),
		subs: make(map[string]chan models.SensorState),
	}
}

// Put records or replaces the state for state.SensorID and publishes it
// to every current subscriber. A subscriber that isn't keeping up has
// the update dropped rather than blocking the bus loop.
func (m *Map) Put(state models.SensorState) {
	m.mu.Lock()
	m.byID[state.SensorID] = state
	m.mu.Unlock()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- state:
		default:
		}
	}
}

// Subscribe registers a subscription under id and returns a channel
// that receives every subsequent Put. Call Unsubscribe when done.
func (m *Map) Subscribe(id string) <-chan models.SensorState {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	ch := make(chan models.SensorState, subBufferSize)
	m.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Map) Unsubscribe(id string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (m *Map) SubscriberCount() int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return len(m.subs)
}

// Remove deletes the entry for id, e.g. once the bus loop has evicted
// a sensor that no longer answers.
func (m *Map) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

// Get returns a point-in-time copy of one sensor's state.
func (m *Map) Get(id string) (models.SensorState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// Snapshot returns a point-in-time copy of every tracked sensor's
// state. The returned slice is safe to range over without holding any
// lock — mutating a Map after Snapshot returns never affects it.
func (m *Map) Snapshot() []models.SensorState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SensorState, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// EvictStale removes every entry whose UpdateTimestampMs is older than
// nowMs - staleTimeoutMs, returning the ids evicted.
func (m *Map) EvictStale(nowMs, staleTimeoutMs int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []string
	for id, s := range m.byID {
		if nowMs-s.UpdateTimestampMs > staleTimeoutMs {
			delete(m.byID, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Len returns the number of tracked sensors.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
