package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polarscope/runflow/internal/domain"
)

var (
	// ErrStaleState is returned when a transition's expected source state
	// no longer holds. The caller must re-read the run before retrying.
	ErrStaleState = errors.New("stale run state")

	// ErrIntegrity is returned when a transition would commit rows that
	// contradict the state/step invariants. The transaction is rolled back.
	ErrIntegrity = errors.New("workflow integrity violated")

	// ErrRunPoisoned is returned after a run suffered an integrity fault;
	// the engine refuses further mutation of it until process restart.
	ErrRunPoisoned = errors.New("run poisoned by integrity fault")
)

// StaleStateError carries conflict detail for operator logs.
type StaleStateError struct {
	RunNumber int64
	Operation string
	Expected  []domain.WorkflowState
	Actual    domain.WorkflowState
}

func (e *StaleStateError) Error() string {
	expected := make([]string, 0, len(e.Expected))
	for _, state := range e.Expected {
		expected = append(expected, string(state))
	}
	return fmt.Sprintf("run %d: %s expects state %s, found %q",
		e.RunNumber, e.Operation, strings.Join(expected, " or "), e.Actual)
}

func (e *StaleStateError) Unwrap() error {
	return ErrStaleState
}

// IntegrityError names the invariant a transition would have broken.
type IntegrityError struct {
	RunNumber int64
	State     domain.WorkflowState
	Detail    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("run %d in %q: %s", e.RunNumber, e.State, e.Detail)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}
