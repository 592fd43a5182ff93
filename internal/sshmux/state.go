package sshmux

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of one alias.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stateTransitionBufferSize is how many transitions are kept per alias.
const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called synchronously on every state change.
type StateChangeCallback func(alias string, from, to ConnectionState)

type stateEntry struct {
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition
	head        int
	count       int
}

func (e *stateEntry) record(from, to ConnectionState, reason string) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns the transitions oldest first.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}
	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*stateEntry)}
}

// setState is a no-op when the state is unchanged.
func (st *stateTracker) setState(alias string, state ConnectionState, reason string) {
	st.mu.Lock()
	entry, ok := st.states[alias]
	if !ok {
		entry = &stateEntry{current: StateDisconnected}
		st.states[alias] = entry
	}
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.record(from, state, reason)

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(alias, from, state)
	}
}

func (st *stateTracker) getState(alias string) ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if entry, ok := st.states[alias]; ok {
		return entry.current
	}
	return StateDisconnected
}

func (st *stateTracker) getTransitions(alias string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if entry, ok := st.states[alias]; ok {
		return entry.history()
	}
	return nil
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

// ConnectionState returns the current state of alias. Unknown aliases are
// StateDisconnected.
func (m *Multiplexer) ConnectionState(alias string) ConnectionState {
	return m.states.getState(alias)
}

// StateTransitions returns up to the last 50 state changes of alias, oldest
// first.
func (m *Multiplexer) StateTransitions(alias string) []StateTransition {
	return m.states.getTransitions(alias)
}

// OnStateChange registers a callback invoked on every state change.
// Callbacks run synchronously on the goroutine that changed the state.
func (m *Multiplexer) OnStateChange(cb StateChangeCallback) {
	m.states.onStateChange(cb)
}
