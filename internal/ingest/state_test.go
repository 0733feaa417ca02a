package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateIdle, StateCursorLoaded, true},
		{StateIdle, StateFetching, false},
		{StateCursorLoaded, StateChunking, true},
		{StateChunking, StateFetching, true},
		{StateFetching, StateFetching, true},
		{StateFetching, StateAbortedChunk, true},
		{StateAbortedChunk, StateFetching, true},
		{StateAbortedChunk, StatePersisted, false},
		{StateReconciling, StatePersisted, true},
		{StateReconciling, StateCursorAdvanced, true},
		{StatePersisted, StateCursorAdvanced, true},
		{StatePersisted, StateFetching, false},
		{StateCursorAdvanced, StateFailed, false},
		{StateFailed, StateIdle, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMachine(t *testing.T) {
	t.Run("records the path", func(t *testing.T) {
		m := newMachine()
		m.to(StateCursorLoaded)
		m.to(StateChunking)
		m.fail()
		assert.Equal(t, StateFailed, m.state)
		assert.Equal(t, []State{StateIdle, StateCursorLoaded, StateChunking, StateFailed}, m.path)
	})

	t.Run("invalid transition panics", func(t *testing.T) {
		m := newMachine()
		assert.PanicsWithValue(t, "ingest: invalid state transition idle -> persisted", func() {
			m.to(StatePersisted)
		})
	})

	t.Run("fail after completion is ignored", func(t *testing.T) {
		m := newMachine()
		m.to(StateCursorLoaded)
		m.to(StateChunking)
		m.to(StateReconciling)
		m.to(StateCursorAdvanced)
		m.fail()
		assert.Equal(t, StateCursorAdvanced, m.state)
		assert.True(t, m.state.IsTerminal())
	})
}
