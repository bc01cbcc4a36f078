package domain

import "fmt"

// WorkflowState is the persisted lifecycle state of a run. The literal
// values, spaces included, mirror the workflow_state Postgres enum and must
// not be altered: the dashboard and the importer match on them byte for byte.
type WorkflowState string

const (
	StateNotYetStarted    WorkflowState = "Not Yet Started"
	StateTransferFromTape WorkflowState = "Transfer from Tape"
	StateProcessStep1     WorkflowState = "Process Step 1"
	StateFinishStep1      WorkflowState = "Finish Step 1"
	StateTransferWIPAC    WorkflowState = "Transfer WIPAC"
	StateProcessStep2     WorkflowState = "Process Step 2"
	StateFinishStep2      WorkflowState = "Finish Step 2"
	StateComplete         WorkflowState = "Complete"
	StateStep1Error       WorkflowState = "Step 1 Error"
	StateStep2Error       WorkflowState = "Step 2 Error"
)

// States lists every workflow state in enum declaration order.
func States() []WorkflowState {
	return []WorkflowState{
		StateNotYetStarted,
		StateTransferFromTape,
		StateProcessStep1,
		StateFinishStep1,
		StateTransferWIPAC,
		StateProcessStep2,
		StateFinishStep2,
		StateComplete,
		StateStep1Error,
		StateStep2Error,
	}
}

// ParseWorkflowState maps a stored or user-supplied value to a workflow
// state. Unknown values are rejected rather than coerced.
func ParseWorkflowState(value string) (WorkflowState, error) {
	state := WorkflowState(value)
	if !state.Valid() {
		return "", fmt.Errorf("unknown workflow state: %q", value)
	}
	return state, nil
}

// Valid reports whether the state is one of the ten enum values.
func (s WorkflowState) Valid() bool {
	switch s {
	case StateNotYetStarted, StateTransferFromTape,
		StateProcessStep1, StateFinishStep1,
		StateTransferWIPAC, StateProcessStep2, StateFinishStep2,
		StateComplete, StateStep1Error, StateStep2Error:
		return true
	default:
		return false
	}
}

func (s WorkflowState) String() string {
	return string(s)
}

// IsTerminal reports whether the run has finished the whole workflow.
func (s WorkflowState) IsTerminal() bool {
	return s == StateComplete
}

// IsError reports whether the run is parked in a stage error state.
func (s WorkflowState) IsError() bool {
	return s == StateStep1Error || s == StateStep2Error
}

// IsFinishing reports whether the state is a bookkeeping state the engine
// advances on its own, with no external work to dispatch.
func (s WorkflowState) IsFinishing() bool {
	return s == StateFinishStep1 || s == StateFinishStep2
}

// IsDispatchable reports whether the state is waiting on external work, i.e.
// non-terminal, non-error and not a finishing state.
func (s WorkflowState) IsDispatchable() bool {
	switch s {
	case StateNotYetStarted, StateTransferFromTape,
		StateProcessStep1, StateTransferWIPAC, StateProcessStep2:
		return true
	default:
		return false
	}
}

// DispatchableStates lists dispatchable states in workflow order. The
// scheduler's scan query filters on exactly this set.
func DispatchableStates() []WorkflowState {
	return []WorkflowState{
		StateNotYetStarted,
		StateTransferFromTape,
		StateProcessStep1,
		StateTransferWIPAC,
		StateProcessStep2,
	}
}

// ErrorStates lists the stage error states the retry manager scans.
func ErrorStates() []WorkflowState {
	return []WorkflowState{StateStep1Error, StateStep2Error}
}

// StepNumber returns which processing stage a state belongs to: 1 for the
// tape transfer through Finish Step 1, 2 for the WIPAC transfer through
// Complete. Not Yet Started belongs to no stage and returns 0.
func (s WorkflowState) StepNumber() int {
	switch s {
	case StateTransferFromTape, StateProcessStep1, StateFinishStep1, StateStep1Error:
		return 1
	case StateTransferWIPAC, StateProcessStep2, StateFinishStep2, StateStep2Error, StateComplete:
		return 2
	default:
		return 0
	}
}

// ErrorState returns the stage error state a failure in s routes to.
func (s WorkflowState) ErrorState() (WorkflowState, bool) {
	switch s {
	case StateTransferFromTape, StateProcessStep1:
		return StateStep1Error, true
	case StateTransferWIPAC, StateProcessStep2:
		return StateStep2Error, true
	default:
		return "", false
	}
}

/// RetryTarget returns the state a parked error run restarts from: the
// beginning of the stage that failed.
func (s WorkflowState) RetryTarget() (WorkflowState, bool) {
	switch s {
	case StateStep1Error:
		return StateTransferFromTape, true
	case StateStep2Error:
		return StateTransferWIPAC, true
	default:
		return "", false
	}
}
