package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNextState_LegalMoves verifies the full transition table.
func TestNextState_LegalMoves(t *testing.T) {
	cases := []struct {
		state ContainerState
		cmd   Action
		next  ContainerState
	}{
		{StateStopped, ActionStart, StateStarting},
		{StateFailed, ActionStart, StateStarting},
		{StateRunning, ActionStop, StateStopping},
		{StateRunning, ActionFreeze, StateFreezing},
		{StateRunning, ActionRestart, StateRestarting},
		{StateFrozen, ActionUnfreeze, StateStarting},
	}

	for _, tc := range cases {
		next, ok := NextState(tc.state, tc.cmd)
		assert.True(t, ok, "%s from %s should be legal", tc.cmd, tc.state)
		assert.Equal(t, tc.next, next)
	}
}

// TestNextState_IllegalMoves verifies everything outside the table is
// rejected.
func TestNextState_IllegalMoves(t *testing.T) {
	states := []ContainerState{
		StateStopped, StateStarting, StateRunning, StateFreezing,
		StateFrozen, StateStopping, StateRestarting, StateFailed,
	}
	actions := []Action{ActionStart, ActionStop, ActionFreeze, ActionUnfreeze, ActionRestart}

	legal := map[ContainerState]map[Action]bool{
		StateStopped: {ActionStart: true},
		StateFailed:  {ActionStart: true},
		StateRunning: {ActionStop: true, ActionFreeze: true, ActionRestart: true},
		StateFrozen:  {ActionUnfreeze: true},
	}

	for _, state := range states {
		for _, action := range actions {
			_, ok := NextState(state, action)
			assert.Equal(t, legal[state][action], ok,
				"%s from %s", action, state)
		}
	}
}

func TestSettledState(t *testing.T) {
	assert.Equal(t, StateRunning, SettledState(StateStarting, true))
	assert.Equal(t, StateFrozen, SettledState(StateFreezing, true))
	assert.Equal(t, StateStopped, SettledState(StateStopping, true))
	assert.Equal(t, StateStarting, SettledState(StateRestarting, true))

	// Any failed command settles in Failed.
	for _, transient := range []ContainerState{StateStarting, StateFreezing, StateStopping, StateRestarting} {
		assert.Equal(t, StateFailed, SettledState(transient, false))
	}
}

func TestIsNoOp(t *testing.T) {
	assert.True(t, IsNoOp(StateRunning, ActionStart))
	assert.True(t, IsNoOp(StateStarting, ActionStart))
	assert.True(t, IsNoOp(StateStopped, ActionStop))
	assert.True(t, IsNoOp(StateStopping, ActionStop))

	assert.False(t, IsNoOp(StateStopped, ActionStart))
	assert.False(t, IsNoOp(StateFrozen, ActionFreeze))
	assert.False(t, IsNoOp(StateRunning, ActionUnfreeze))
	assert.False(t, IsNoOp(StateRunning, ActionRestart))
}

func TestDefaultPreferences_SeedValues(t *testing.T) {
	defaults := DefaultPreferences()
	assert.Equal(t, "false", defaults[PrefAutoStart])
	assert.Equal(t, "true", defaults[PrefAutoUpdate])
	assert.Equal(t, "true", defaults[PrefNotifications])
	assert.Equal(t, "300", defaults[PrefLoggingInterval])
}
