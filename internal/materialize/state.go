package materialize

import (
	"fmt"
	"sync"
)

// State represents the materialization state of one catalog within one
// execution.
type State int

const (
	// StatePending indicates the batch is queued and untouched.
	StatePending State = iota
	// StateConnecting indicates the destination connection is being
	// established.
	StateConnecting
	// StateWriting indicates the batch is being staged.
	StateWriting
	// StateCommitted indicates the batch is visible to readers.
	StateCommitted
	// StateFailed indicates the attempt failed and was rolled back.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateWriting:
		return "writing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

// validTransitions defines allowed state transitions. Committed and
// failed are terminal.
var validTransitions = map[State][]State{
	StatePending:    {StateConnecting, StateFailed},
	StateConnecting: {StateWriting, StateFailed},
	StateWriting:    {StateCommitted, StateFailed},
}

// StateMachine tracks one catalog's materialization state.
type StateMachine struct {
	mu    sync.RWMutex
	state State
}

// NewStateMachine creates a state machine starting in StatePending.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StatePending}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Transition attempts to transition to the target state.
// Returns an error if the transition is not valid.
func (sm *StateMachine) Transition(target State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.canTransition(target) {
		return fmt.Errorf("invalid state transition from %s to %s", sm.state, target)
	}

	sm.state = target
	return nil
}

// canTransition checks if a transition to target is valid.
// Must be called with lock held.
func (sm *StateMachine) canTransition(target State) bool {
	allowed, ok := validTransitions[sm.state]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the state machine reached a terminal state.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state == StateCommitted || sm.state == StateFailed
}
