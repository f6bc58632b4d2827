// Package fsm holds the position lifecycle transition table
package fsm

import (
	"errors"
	"fmt"

	"stop_engine/internal/core"
)

// ErrIllegalTransition is matched by every *TransitionError
var ErrIllegalTransition = errors.New("illegal position transition")

// ValidTransitions lists the states reachable from each state.
// Error is reachable from every non-terminal state.
var ValidTransitions = map[core.PositionState][]core.PositionState{
	core.StateArmed:    {core.StateEntering, core.StateDisarmed, core.StateError},
	core.StateEntering: {core.StateActive, core.StateError},
	core.StateActive:   {core.StateExiting, core.StateError},
	core.StateExiting:  {core.StateClosed, core.StateError},
	core.StateClosed:   {},
	core.StateError:    {},
	core.StateDisarmed: {},
}

// TransitionError reports a rejected transition
type TransitionError struct {
	PositionID string
	From       core.PositionState
	To         core.PositionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("position %s: cannot move from %s to %s", e.PositionID, e.From, e.To)
}

// Is makes errors.Is(err, ErrIllegalTransition) hold
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// CanTransition checks the table
func CanTransition(from, to core.PositionState) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves pos to state to, or returns a *TransitionError leaving pos untouched
func Transition(pos *core.Position, to core.PositionState) error {
	if !CanTransition(pos.State, to) {
		return &TransitionError{PositionID: pos.ID, From: pos.State, To: to}
	}
	pos.State = to
	return nil
}

// IsLive reports states that carry, or may carry, exchange exposure
func IsLive(s core.PositionState) bool {
	return s == core.StateEntering || s == core.StateActive || s == core.StateExiting
}
