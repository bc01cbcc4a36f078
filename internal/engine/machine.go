package engine

import (
	"context"

	"github.com/qmuntal/stateless"

	"github.com/polarscope/runflow/internal/domain"
)

// Trigger names the workflow events that move a run between states.
type Trigger string

const (
	TriggerDispatch       Trigger = "dispatch"
	TriggerTransferDone   Trigger = "transfer-done"
	TriggerTransferFailed Trigger = "transfer-failed"
	TriggerComputeDone    Trigger = "compute-done"
	TriggerComputeFailed  Trigger = "compute-failed"
	TriggerFinalize       Trigger = "finalize"
	TriggerRetry          Trigger = "retry"
)

// newMachine builds the workflow graph positioned at current. Every state
// is configured so a trigger fired from the wrong state reports an
// unhandled trigger instead of panicking.
func newMachine(current domain.WorkflowState) *stateless.StateMachine {
	m := stateless.NewStateMachine(current)

	m.Configure(domain.StateNotYetStarted).
		Permit(TriggerDispatch, domain.StateTransferFromTape)

	m.Configure(domain.StateTransferFromTape).
		Permit(TriggerTransferDone, domain.StateProcessStep1).
		Permit(TriggerTransferFailed, domain.StateStep1Error)

	m.Configure(domain.StateProcessStep1).
		Permit(TriggerComputeDone, domain.StateFinishStep1).
		Permit(TriggerComputeFailed, domain.StateStep1Error)

	m.Configure(domain.StateFinishStep1).
		Permit(TriggerFinalize, domain.StateTransferWIPAC)

	m.Configure(domain.StateTransferWIPAC).
		Permit(TriggerTransferDone, domain.StateProcessStep2).
		Permit(TriggerTransferFailed, domain.StateStep2Error)

	m.Configure(domain.StateProcessStep2).
		Permit(TriggerComputeDone, domain.StateFinishStep2).
		Permit(TriggerComputeFailed, domain.StateStep2Error)

	m.Configure(domain.StateFinishStep2).
		Permit(TriggerFinalize, domain.StateComplete)

	m.Configure(domain.StateStep1Error).
		Permit(TriggerRetry, domain.StateTransferFromTape)

	m.Configure(domain.StateStep2Error).
		Permit(TriggerRetry, domain.StateTransferWIPAC)

	m.Configure(domain.StateComplete)

	return m
}

// fire validates and resolves the edge current --trigger--> destination.
// The bool reports whether the graph permits the trigger at all.
func fire(ctx context.Context, current domain.WorkflowState, trigger Trigger) (domain.WorkflowState, bool) {
	machine := newMachine(current)
	if err := machine.FireCtx(ctx, trigger); err != nil {
		return "", false
	}
	next, ok := machine.MustState().(domain.WorkflowState)
	if !ok {
		return "", false
	}
	return next, true
}
