package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorkflowState(t *testing.T) {
	for _, state := range States() {
		parsed, err := ParseWorkflowState(string(state))
		require.NoError(t, err)
		assert.Equal(t, state, parsed)
	}

	for _, bad := range []string{"", "complete", "Transfer From Tape", "Step 3 Error", "NOT YET STARTED"} {
		_, err := ParseWorkflowState(bad)
		assert.Error(t, err, "value %q must not parse", bad)
	}
}

func TestStateClassification(t *testing.T) {
	tests := []struct {
		state        WorkflowState
		terminal     bool
		errState     bool
		finishing    bool
		dispatchable bool
		stage        int
	}{
		{StateNotYetStarted, false, false, false, true, 0},
		{StateTransferFromTape, false, false, false, true, 1},
		{StateProcessStep1, false, false, false, true, 1},
		{StateFinishStep1, false, false, true, false, 1},
		{StateTransferWIPAC, false, false, false, true, 2},
		{StateProcessStep2, false, false, false, true, 2},
		{StateFinishStep2, false, false, true, false, 2},
		{StateComplete, true, false, false, false, 2},
		{StateStep1Error, false, true, false, false, 1},
		{StateStep2Error, false, true, false, false, 2},
	}

	for _, tc := range tests {
		t.Run(string(tc.state), func(t *testing.T) {
			assert.Equal(t, tc.terminal, tc.state.IsTerminal())
			assert.Equal(t, tc.errState, tc.state.IsError())
			assert.Equal(t, tc.finishing, tc.state.IsFinishing())
			assert.Equal(t, tc.dispatchable, tc.state.IsDispatchable())
			assert.Equal(t, tc.stage, tc.state.StepNumber())
		})
	}
}

func TestSuccessChain(t *testing.T) {
	order := []WorkflowState{
		StateNotYetStarted,
		StateTransferFromTape,
		StateProcessStep1,
		StateFinishStep1,
		StateTransferWIPAC,
		StateProcessStep2,
		StateFinishStep2,
		StateComplete,
	}

	for i := 0; i < len(order)-1; i++ {
		next, ok := order[i].Next()
		require.True(t, ok, "state %s must have a successor", order[i])
		assert.Equal(t, order[i+1], next)
	}

	for _, state := range []WorkflowState{StateComplete, StateStep1Error, StateStep2Error} {
		_, ok := state.Next()
		assert.False(t, ok, "state %s must not have a success edge", state)
	}
}

func TestErrorRouting(t *testing.T) {
	tests := []struct {
		from WorkflowState
		want WorkflowState
	}{
		{StateTransferFromTape, StateStep1Error},
		{StateProcessStep1, StateStep1Error},
		{StateTransferWIPAC, StateStep2Error},
		{StateProcessStep2, StateStep2Error},
	}
	for _, tc := range tests {
		got, ok := tc.from.ErrorState()
		require.True(t, ok, "state %s must route failures somewhere", tc.from)
		assert.Equal(t, tc.want, got)
	}

	for _, state := range []WorkflowState{StateNotYetStarted, StateFinishStep1, StateFinishStep2, StateComplete, StateStep1Error} {
		_, ok := state.ErrorState()
		assert.False(t, ok, "state %s has no failure edge", state)
	}
}

func TestRetryTargets(t *testing.T) {
	got, ok := StateStep1Error.RetryTarget()
	require.True(t, ok)
	assert.Equal(t, StateTransferFromTape, got)

	got, ok = StateStep2Error.RetryTarget()
	require.True(t, ok)
	assert.Equal(t, StateTransferWIPAC, got)

	_, ok = StateComplete.RetryTarget()
	assert.False(t, ok)
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]WorkflowState{
		{StateNotYetStarted, StateTransferFromTape},
		{StateTransferFromTape, StateProcessStep1},
		{StateProcessStep1, StateFinishStep1},
		{StateFinishStep1, StateTransferWIPAC},
		{StateTransferWIPAC, StateProcessStep2},
		{StateProcessStep2, StateFinishStep2},
		{StateFinishStep2, StateComplete},
		{StateTransferFromTape, StateStep1Error},
		{StateProcessStep1, StateStep1Error},
		{StateTransferWIPAC, StateStep2Error},
		{StateProcessStep2, StateStep2Error},
		{StateStep1Error, StateTransferFromTape},
		{StateStep2Error, StateTransferWIPAC},
	}

	allowedSet := make(map[[2]WorkflowState]bool, len(allowed))
	for _, edge := range allowed {
		allowedSet[edge] = true
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s must be legal", edge[0], edge[1])
	}

	// Everything outside the edge table is rejected, skipping states too.
	for _, from := range States() {
		for _, to := range States() {
			if allowedSet[[2]WorkflowState{from, to}] {
				continue
			}
			assert.False(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestDispatchableStates(t *testing.T) {
	for _, state := range DispatchableStates() {
		assert.True(t, state.IsDispatchable())
	}
	assert.Len(t, DispatchableStates(), 5)
}
