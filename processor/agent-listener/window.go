package agentlistener

import (
	"sync"

	"github.com/shijie-nv/houseagent/state"
)

// StateWindow is a depth-one history of world-state snapshots.
//
// Before the first Advance both current and previous hold the default state.
// The window only moves forward; nothing rolls it back.
type StateWindow struct {
	mu       sync.Mutex
	current  state.Snapshot
	previous state.Snapshot
	seeded   bool
}

// NewStateWindow creates a window seeded with def on both sides.
func NewStateWindow(def state.Snapshot) *StateWindow {
	if len(def) == 0 {
		def = state.Empty
	}
	return &StateWindow{
		current:  def.Clone(),
		previous: def.Clone(),
	}
}

// Advance shifts current to previous, stores s as current, and returns the new pair.
func (w *StateWindow) Advance(s state.Snapshot) (current, previous state.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.previous = w.current
	w.current = s.Clone()
	w.seeded = true
	return w.current.Clone(), w.previous.Clone()
}

// Restore replaces both sides of the window with a saved pair.
func (w *StateWindow) Restore(current, previous state.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.current = current.Clone()
	w.previous = previous.Clone()
	w.seeded = true
}

// Snapshot returns copies of the current and previous snapshots.
func (w *StateWindow) Snapshot() (current, previous state.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.Clone(), w.previous.Clone()
}

// Seeded reports whether any snapshot has been observed.
func (w *StateWindow) Seeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seeded
}
