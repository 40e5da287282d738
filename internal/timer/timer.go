// Package timer implements the Timer collaborator named in spec.md §6:
// handle-based start/stop over a callback, with idempotent stop and safe
// handling of a timer that races its own expiry.
package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Default durations per spec.md §6.
const (
	DefaultT3450 = 6 * time.Second
	DefaultT3460 = 6 * time.Second
	DefaultT3470 = 6 * time.Second
	DefaultT3413 = 400 * time.Second // network-dependent per spec
	DefaultT3422 = 6 * time.Second
)

// Handle identifies a running (or already-stopped) timer.
type Handle struct {
	id  uint64
	mgr *Manager
}

// Valid reports whether the handle refers to a real timer (the zero Handle
// does not, and Stop on it is always a harmless no-op).
func (h Handle) Valid() bool {
	return h.mgr != nil
}

// Stop cancels the timer if it has not already fired or been stopped.
// Stopping an already-stopped or already-fired handle is a no-op and
// returns false, satisfying the idempotence requirement of spec.md §5.
func (h Handle) Stop() bool {
	if h.mgr == nil {
		return false
	}
	return h.mgr.stop(h.id)
}

// Manager owns a set of independently running timers and is safe for
// concurrent use. Each NF instance runs one Manager; individual timers are
// addressed by the Handle returned from Start.
type Manager struct {
	mu     sync.Mutex
	timers map[uint64]*time.Timer
	nextID uint64
}

// NewManager creates an empty timer manager.
func NewManager() *Manager {
	return &Manager{timers: make(map[uint64]*time.Timer)}
}

// Start arms a new timer that invokes cb after d, unless stopped first. The
// callback only runs if the timer has not been stopped between expiry and
// the manager acquiring its lock, which is what makes a race between a
// just-fired timer and a concurrent Stop observable as "timer already gone"
// rather than a spurious callback.
func (m *Manager) Start(d time.Duration, cb func()) Handle {
	id := atomic.AddUint64(&m.nextID, 1)

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		_, stillArmed := m.timers[id]
		if stillArmed {
			delete(m.timers, id)
		}
		m.mu.Unlock()
		if stillArmed {
			cb()
		}
	})

	m.mu.Lock()
	m.timers[id] = t
	m.mu.Unlock()

	return Handle{id: id, mgr: m}
}

func (m *Manager) stop(id uint64) bool {
	m.mu.Lock()
	t, ok := m.timers[id]
	if ok {
		delete(m.timers, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.Stop()
	return true
}

// Running reports how many timers this manager currently has armed. Used by
// tests.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
