package fsm

import (
	"errors"
	"testing"

	"stop_engine/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []core.PositionState{
	core.StateArmed, core.StateEntering, core.StateActive, core.StateExiting,
	core.StateClosed, core.StateError, core.StateDisarmed,
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to core.PositionState
		want     bool
	}{
		{core.StateArmed, core.StateEntering, true},
		{core.StateArmed, core.StateDisarmed, true},
		{core.StateEntering, core.StateActive, true},
		{core.StateEntering, core.StateError, true},
		{core.StateActive, core.StateExiting, true},
		{core.StateExiting, core.StateClosed, true},
		{core.StateExiting, core.StateError, true},

		{core.StateActive, core.StateDisarmed, false},
		{core.StateEntering, core.StateDisarmed, false},
		{core.StateActive, core.StateClosed, false},
		{core.StateArmed, core.StateActive, false},
		{core.StateClosed, core.StateActive, false},
		{core.StateError, core.StateActive, false},
		{core.StateDisarmed, core.StateArmed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransition_IllegalIsTyped(t *testing.T) {
	pos := &core.Position{ID: "p1", State: core.StateActive}

	err := Transition(pos, core.StateDisarmed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, core.StateActive, te.From)
	assert.Equal(t, core.StateDisarmed, te.To)
	assert.Equal(t, core.StateActive, pos.State)

	require.NoError(t, Transition(pos, core.StateExiting))
	assert.Equal(t, core.StateExiting, pos.State)
}

func TestValidTransitions_Completeness(t *testing.T) {
	for _, s := range allStates {
		_, ok := ValidTransitions[s]
		assert.True(t, ok, "state %s missing from table", s)
	}
	for from, tos := range ValidTransitions {
		for _, to := range tos {
			assert.NotEqual(t, from, to, "self loop on %s", from)
		}
		if from.IsTerminal() {
			assert.Empty(t, tos, "terminal state %s has exits", from)
		}
	}
}

func TestErrorReachableFromEveryNonTerminalState(t *testing.T) {
	for _, s := range allStates {
		if s.IsTerminal() {
			continue
		}
		assert.True(t, CanTransition(s, core.StateError), "error unreachable from %s", s)
	}
}
