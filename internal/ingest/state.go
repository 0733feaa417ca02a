package ingest

import "fmt"

// State is the lifecycle stage of one series run.
type State string

const (
	StateIdle           State = "idle"
	StateCursorLoaded   State = "cursor_loaded"
	StateChunking       State = "chunking"
	StateFetching       State = "fetching"
	StateAbortedChunk   State = "aborted_chunk"
	StateReconciling    State = "reconciling"
	StatePersisted      State = "persisted"
	StateCursorAdvanced State = "cursor_advanced"
	StateFailed         State = "failed"
)

// transitions lists the states reachable from each state. An up-to-date
// series plans no chunks and moves from chunking straight to reconciling.
var transitions = map[State][]State{
	StateIdle:           {StateCursorLoaded, StateFailed},
	StateCursorLoaded:   {StateChunking, StateFailed},
	StateChunking:       {StateFetching, StateReconciling, StateFailed},
	StateFetching:       {StateFetching, StateAbortedChunk, StateReconciling, StateFailed},
	StateAbortedChunk:   {StateFetching, StateReconciling, StateFailed},
	StateReconciling:    {StatePersisted, StateCursorAdvanced, StateFailed},
	StatePersisted:      {StateCursorAdvanced, StateFailed},
	StateCursorAdvanced: {},
	StateFailed:         {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCursorAdvanced || s == StateFailed
}

// machine tracks the state of one run and records the path it took.
type machine struct {
	state State
	path  []State
}

func newMachine() *machine {
	return &machine{state: StateIdle, path: []State{StateIdle}}
}

// to moves the machine to next. An invalid transition is a programming error.
func (m *machine) to(next State) {
	if !CanTransition(m.state, next) {
		panic(fmt.Sprintf("ingest: invalid state transition %s -> %s", m.state, next))
	}
	m.state = next
	m.path = append(m.path, next)
}

// fail moves to StateFailed unless the run already ended.
func (m *machine) fail() {
	if !m.state.IsTerminal() {
		m.to(StateFailed)
	}
}
