package autonomous

import (
	"fmt"
	"sync"
)

// WorkerState is a position in the autonomous worker's lifecycle (spec.md
// 4.I: "idle -> offer_seen -> accept_sent -> job_received -> working ->
// completed -> idle. Transitions on feed events and inbound HTTP to the
// worker server.").
type WorkerState string

const (
	StateIdle        WorkerState = "idle"
	StateOfferSeen   WorkerState = "offer_seen"
	StateAcceptSent  WorkerState = "accept_sent"
	StateJobReceived WorkerState = "job_received"
	StateWorking     WorkerState = "working"
	StateCompleted   WorkerState = "completed"
)

// transitions is the state machine's adjacency list; a transition not
// listed here is rejected.
var transitions = map[WorkerState][]WorkerState{
	StateIdle:        {StateOfferSeen},
	StateOfferSeen:   {StateAcceptSent, StateIdle},
	StateAcceptSent:  {StateJobReceived, StateIdle},
	StateJobReceived: {StateWorking, StateIdle},
	StateWorking:     {StateCompleted, StateIdle},
	StateCompleted:   {StateIdle},
}

// WorkerStateMachine tracks the current lifecycle state of one autonomous
// worker, guarding transitions against the fixed graph above.
type WorkerStateMachine struct {
	mu    sync.Mutex
	state WorkerState
}

// NewWorkerStateMachine starts a machine in StateIdle.
func NewWorkerStateMachine() *WorkerStateMachine {
	return &WorkerStateMachine{state: StateIdle}
}

// Current returns the machine's current state.
func (m *WorkerStateMachine) Current() WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to next, failing if next is not reachable
// from the current state.
func (m *WorkerStateMachine) Transition(next WorkerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, candidate := range transitions[m.state] {
		if candidate == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("autonomous: invalid transition %s -> %s", m.state, next)
}
