package asyncmix

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State machine:
//
//	StateAwake → StateRunning            [Run]
//	StateRunning → StateSleeping         [park via CAS]
//	StateSleeping → StateRunning         [wake via CAS]
//	StateRunning → StateTerminating      [Shutdown]
//	StateSleeping → StateTerminating     [Shutdown]
//	StateAwake → StateTerminating        [Shutdown before Run]
//	StateTerminating → StateTerminated   [drain complete]
//	StateTerminated → (terminal)
//
// Temporary states (Running, Sleeping) move via TryTransition (CAS) only;
// Store is reserved for the irreversible transition to Terminated.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the loop is actively processing work.
	StateRunning
	// StateSleeping indicates the loop is parked waiting for work or a timer.
	StateSleeping
	// StateTerminating indicates shutdown has been requested; the loop is
	// draining remaining work.
	StateTerminating
	// StateTerminated indicates the loop is fully shut down.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding to prevent
// false sharing between the loop goroutine and submitters.
type FastState struct {
	_ [64]byte      //nolint:unused
	v atomic.Uint64 // State value
	_ [56]byte      //nolint:unused
}

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state, without transition validation.
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was performed.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition to the target from any of the given
// source states, in order. Returns true if a transition was performed.
func (s *FastState) TransitionAny(validFrom []LoopState, to LoopState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the current state is Terminated.
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// IsRunning returns true if the loop is currently running or sleeping.
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

// CanAcceptWork returns true if tasks may still be queued. Work is accepted
// during Terminating so the drain can absorb settlements already in flight.
func (s *FastState) CanAcceptWork() bool {
	return s.Load() != StateTerminated
}

// CanStartOperation returns true if new units of deferred work may begin.
// Unlike CanAcceptWork this excludes Terminating: a draining loop finishes
// what it has but starts nothing new.
func (s *FastState) CanStartOperation() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning || state == StateSleeping
}
