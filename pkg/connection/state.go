package connection

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned for a health change the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid health transition")

// State is the health of an event channel.
type State uint8

const (
	// StateConnecting indicates the channel is being set up for the first time.
	StateConnecting State = iota

	// StateHealthy indicates heartbeats arrive on time.
	StateHealthy

	// StateDegraded indicates heartbeats are late and the producer is being probed.
	StateDegraded

	// StateReconnecting indicates the binding was torn down and is being rebuilt.
	StateReconnecting

	// StateClosed indicates the channel was released.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CanTransition reports whether the machine allows s -> to.
func (s State) CanTransition(to State) bool {
	if to == StateClosed {
		return s != StateClosed
	}
	switch s {
	case StateConnecting:
		return to == StateHealthy || to == StateReconnecting
	case StateHealthy:
		return to == StateDegraded || to == StateReconnecting
	case StateDegraded:
		return to == StateHealthy || to == StateReconnecting
	case StateReconnecting:
		return to == StateHealthy || to == StateReconnecting
	}
	return false
}

// Health tracks the state of one channel and reports transitions.
type Health struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State, reason string)
}

// NewHealth creates a tracker in StateConnecting. onChange, when non-nil,
// is called after every transition, outside the tracker's lock.
func NewHealth(onChange func(from, to State, reason string)) *Health {
	return &Health{state: StateConnecting, onChange: onChange}
}

// State returns the current state.
func (h *Health) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Set moves to state to. Setting the current state is a no-op except for
// RECONNECTING, which records another failed round.
func (h *Health) Set(to State, reason string) error {
	h.mu.Lock()
	from := h.state
	if from == to && to != StateReconnecting {
		h.mu.Unlock()
		return nil
	}
	if !from.CanTransition(to) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	h.state = to
	h.mu.Unlock()

	if h.onChange != nil {
		h.onChange(from, to, reason)
	}
	return nil
}
