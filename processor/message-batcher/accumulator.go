package messagebatcher

import (
	"errors"
	"sync"
	"time"

	"github.com/shijie-nv/houseagent/message"
)

// ErrFlushInProgress is returned when a flush is attempted while another one is running.
var ErrFlushInProgress = errors.New("flush already in progress")

// Accumulator collects raw messages for the current window.
//
// Append and DrainAndReset share one short critical section: an Append racing
// a drain lands entirely in the drained bundle or entirely in the next window.
// After Close no further Append is accepted.
type Accumulator struct {
	mu          sync.Mutex
	pending     []message.RawMessage
	windowStart time.Time
	closed      bool

	// drainMu rejects overlapping drains instead of interleaving them.
	drainMu sync.Mutex
}

// NewAccumulator creates an accumulator whose first window opens at start.
func NewAccumulator(start time.Time) *Accumulator {
	return &Accumulator{windowStart: start}
}

// Append adds msg to the current window. It returns false once the
// accumulator is closed; the message was not taken.
func (a *Accumulator) Append(msg message.RawMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.pending = append(a.pending, msg)
	return true
}

// Len returns the number of messages waiting in the current window.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// WindowStart returns the start of the current window.
func (a *Accumulator) WindowStart() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowStart
}

// DrainAndReset closes the current window at now and returns its bundle.
// The next window opens at now. Overlapping calls fail with ErrFlushInProgress.
func (a *Accumulator) DrainAndReset(now time.Time) (message.Bundle, error) {
	return a.drain(now, false)
}

// Close drains the last window and rejects every later Append. Messages
// appended before Close are all in the returned bundle.
func (a *Accumulator) Close(now time.Time) (message.Bundle, error) {
	return a.drain(now, true)
}

// Closed reports whether Close has run.
func (a *Accumulator) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Accumulator) drain(now time.Time, closing bool) (message.Bundle, error) {
	if !a.drainMu.TryLock() {
		return message.Bundle{}, ErrFlushInProgress
	}
	defer a.drainMu.Unlock()

	a.mu.Lock()
	drained := a.pending
	a.pending = make([]message.RawMessage, 0, len(drained))
	start := a.windowStart
	if now.Before(start) {
		now = start
	}
	a.windowStart = now
	if closing {
		a.closed = true
	}
	a.mu.Unlock()

	return message.NewBundle(start, now, drained), nil
}
