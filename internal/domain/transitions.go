package domain

// Next returns the state a run advances to when the work of the current
// state succeeds. Terminal and error states have no success edge.
func (s WorkflowState) Next() (WorkflowState, bool) {
	switch s {
	case StateNotYetStarted:
		return StateTransferFromTape, true
	case StateTransferFromTape:
		return StateProcessStep1, true
	case StateProcessStep1:
		return StateFinishStep1, true
	case StateFinishStep1:
		return StateTransferWIPAC, true
	case StateTransferWIPAC:
		return StateProcessStep2, true
	case StateProcessStep2:
		return StateFinishStep2, true
	case StateFinishStep2:
		return StateComplete, true
	default:
		return "", false
	}
}

// CanTransition reports whether from -> to is an edge of the workflow
// graph: the success chain, the two failure edges into stage errors, and
// the two retry edges back out of them.
func CanTransition(from, to WorkflowState) bool {
	if next, ok := from.Next(); ok && next == to {
		return true
	}
	if errState, ok := from.ErrorState(); ok && errState == to {
		return true
	}
	if target, ok := from.RetryTarget(); ok && target == to {
		return true
	}
	return false
}
