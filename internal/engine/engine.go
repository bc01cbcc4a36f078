// Package engine applies workflow state transitions. It is the sole writer
// of run states and processing step rows; every other component reports
// outcomes to it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/platform/metrics"
	"github.com/polarscope/runflow/internal/repo"
)

type Engine struct {
	logger *slog.Logger
	store  repo.TransitionStore

	mu       sync.Mutex
	poisoned map[int64]string
}

func New(logger *slog.Logger, store repo.TransitionStore) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:   logger.With("component", "engine"),
		store:    store,
		poisoned: make(map[int64]string),
	}
}

// Dispatch moves a freshly registered run into the tape transfer.
func (e *Engine) Dispatch(ctx context.Context, runNumber int64) error {
	if err := e.guard(runNumber); err != nil {
		return err
	}
	var from, to domain.WorkflowState
	err := e.store.InTransition(ctx, runNumber, func(ctx context.Context, run domain.Run, tx repo.TransitionTx) error {
		if run.State == domain.StateTransferFromTape {
			// Another dispatcher won the race; nothing left to do.
			return nil
		}
		next, ok := fire(ctx, run.State, TriggerDispatch)
		if !ok {
			return &StaleStateError{
				RunNumber: runNumber,
				Operation: "dispatch",
				Expected:  []domain.WorkflowState{domain.StateNotYetStarted},
				Actual:    run.State,
			}
		}
		if err := e.checkInvariants(ctx, runNumber, next, tx); err != nil {
			return err
		}
		if err := tx.UpdateRunState(ctx, next, ""); err != nil {
			return err
		}
		from, to = run.State, next
		return nil
	})
	return e.finish(runNumber, "dispatch", from, to, err)
}

// RecordTransferResult applies the outcome of a tape or WIPAC transfer.
// Success advances the run into the stage's compute; failure parks it in
// the stage error state.
func (e *Engine) RecordTransferResult(ctx context.Context, runNumber int64, outcome domain.StepOutcome) error {
	if err := e.guard(runNumber); err != nil {
		return err
	}
	outcome = normalizeOutcome(outcome)
	var from, to domain.WorkflowState
	err := e.store.InTransition(ctx, runNumber, func(ctx context.Context, run domain.Run, tx repo.TransitionTx) error {
		switch run.State {
		case domain.StateTransferFromTape, domain.StateTransferWIPAC:
		case domain.StateProcessStep1, domain.StateProcessStep2:
			if outcome.Success {
				return e.transferReplay(ctx, runNumber, run.State, outcome, tx)
			}
			return transferStale(runNumber, run.State)
		default:
			return transferStale(runNumber, run.State)
		}

		trigger := TriggerTransferDone
		if !outcome.Success {
			trigger = TriggerTransferFailed
		}
		next, ok := fire(ctx, run.State, trigger)
		if !ok {
			return transferStale(runNumber, run.State)
		}

		step, err := loadOrInitStep(ctx, tx, runNumber, run.State.StepNumber())
		if err != nil {
			return err
		}
		if outcome.Success {
			started := outcome.StartedAt
			step.StartedDate = &started
			step.EndDate = nil
			// The transfer's landing location and checksum stay visible
			// until the stage's compute replaces them with final values.
			step.Site = ""
			step.Checksum = outcome.Checksum
			step.Location = outcome.Location
		} else {
			started := outcome.StartedAt
			ended := outcome.EndedAt
			step.StartedDate = &started
			step.EndDate = &ended
			step.Site = ""
			step.Checksum = ""
			step.Location = ""
		}
		if err := tx.UpsertStep(ctx, step); err != nil {
			return err
		}
		if err := e.checkInvariants(ctx, runNumber, next, tx); err != nil {
			return err
		}
		if err := tx.UpdateRunState(ctx, next, ""); err != nil {
			return err
		}
		from, to = run.State, next
		return nil
	})
	return e.finish(runNumber, "record transfer", from, to, err)
}

// RecordComputeResult applies the outcome of a stage compute. Success fills
// the step row's provenance and finalizes the stage in a follow-up
// transaction; failure parks the run in the stage error state.
func (e *Engine) RecordComputeResult(ctx context.Context, runNumber int64, outcome domain.StepOutcome) error {
	if err := e.guard(runNumber); err != nil {
		return err
	}
	outcome = normalizeOutcome(outcome)
	var from, to domain.WorkflowState
	err := e.store.InTransition(ctx, runNumber, func(ctx context.Context, run domain.Run, tx repo.TransitionTx) error {
		switch run.State {
		case domain.StateProcessStep1, domain.StateProcessStep2:
		case domain.StateFinishStep1, domain.StateFinishStep2:
			if outcome.Success {
				return e.computeReplay(ctx, runNumber, run.State, outcome, tx)
			}
			return computeStale(runNumber, run.State)
		default:
			return computeStale(runNumber, run.State)
		}

		trigger := TriggerComputeDone
		if !outcome.Success {
			trigger = TriggerComputeFailed
		}
		next, ok := fire(ctx, run.State, trigger)
		if !ok {
			return computeStale(runNumber, run.State)
		}

		step, err := loadOrInitStep(ctx, tx, runNumber, run.State.StepNumber())
		if err != nil {
			return err
		}
		if step.StartedDate == nil {
			started := outcome.StartedAt
			step.StartedDate = &started
		}
		ended := outcome.EndedAt
		step.EndDate = &ended
		if outcome.Success {
			step.Site = outcome.Site
			step.Checksum = outcome.Checksum
			step.Location = outcome.Location
		} else {
			step.Site = ""
			step.Checksum = ""
			step.Location = ""
		}
		if err := tx.UpsertStep(ctx, step); err != nil {
			return err
		}
		if err := e.checkInvariants(ctx, runNumber, next, tx); err != nil {
			return err
		}
		if err := tx.UpdateRunState(ctx, next, ""); err != nil {
			return err
		}
		from, to = run.State, next
		return nil
	})
	if err := e.finish(runNumber, "record compute", from, to, err); err != nil {
		return err
	}
	if outcome.Success && to.IsFinishing() {
		if err := e.FinalizeStep(ctx, runNumber); err != nil {
			return fmt.Errorf("finalize after compute success: %w", err)
		}
	}
	return nil
}

// FinalizeStep advances the bookkeeping states: Finish Step 1 opens the
// WIPAC transfer, Finish Step 2 completes the run and publishes its url.
func (e *Engine) FinalizeStep(ctx context.Context, runNumber int64) error {
	if err := e.guard(runNumber); err != nil {
		return err
	}
	var from, to domain.WorkflowState
	err := e.store.InTransition(ctx, runNumber, func(ctx context.Context, run domain.Run, tx repo.TransitionTx) error {
		if !run.State.IsFinishing() {
			return &StaleStateError{
				RunNumber: runNumber,
				Operation: "finalize",
				Expected:  []domain.WorkflowState{domain.StateFinishStep1, domain.StateFinishStep2},
				Actual:    run.State,
			}
		}
		next, ok := fire(ctx, run.State, TriggerFinalize)
		if !ok {
			return &StaleStateError{
				RunNumber: runNumber,
				Operation: "finalize",
				Expected:  []domain.WorkflowState{domain.StateFinishStep1, domain.StateFinishStep2},
				Actual:    run.State,
			}
		}

		url := ""
		if next == domain.StateComplete {
			step2, err := tx.GetStep(ctx, domain.StepTwo)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return &IntegrityError{RunNumber: runNumber, State: next, Detail: "no step 2 row to publish"}
				}
				return err
			}
			url = step2.Location
		}
		if err := e.checkInvariants(ctx, runNumber, next, tx); err != nil {
			return err
		}
		if err := tx.UpdateRunState(ctx, next, url); err != nil {
			return err
		}
		from, to = run.State, next
		return nil
	})
	return e.finish(runNumber, "finalize", from, to, err)
}

// Retry restarts a parked run from the beginning of the stage that failed,
// clearing the step row's attempt bookkeeping so re-execution restamps it.
func (e *Engine) Retry(ctx context.Context, runNumber int64) error {
	if err := e.guard(runNumber); err != nil {
		return err
	}
	var from, to domain.WorkflowState
	err := e.store.InTransition(ctx, runNumber, func(ctx context.Context, run domain.Run, tx repo.TransitionTx) error {
		next, ok := fire(ctx, run.State, TriggerRetry)
		if !ok {
			return &StaleStateError{
				RunNumber: runNumber,
				Operation: "retry",
				Expected:  []domain.WorkflowState{domain.StateStep1Error, domain.StateStep2Error},
				Actual:    run.State,
			}
		}

		step, err := tx.GetStep(ctx, run.State.StepNumber())
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return &IntegrityError{RunNumber: runNumber, State: run.State, Detail: "error state without a step row"}
			}
			return err
		}
		step.StartedDate = nil
		step.EndDate = nil
		step.Site = ""
		step.Checksum = ""
		step.Location = ""
		if err := tx.UpsertStep(ctx, step); err != nil {
			return err
		}
		if err := e.checkInvariants(ctx, runNumber, next, tx); err != nil {
			return err
		}
		if err := tx.UpdateRunState(ctx, next, ""); err != nil {
			return err
		}
		from, to = run.State, next
		return nil
	})
	return e.finish(runNumber, "retry", from, to, err)
}

// Poisoned reports whether the engine refuses to mutate the run after an
// integrity fault.
func (e *Engine) Poisoned(runNumber int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.poisoned[runNumber]
	return ok
}

func (e *Engine) guard(runNumber int64) error {
	if runNumber <= 0 {
		return fmt.Errorf("run number must be positive, got %d", runNumber)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if detail, ok := e.poisoned[runNumber]; ok {
		return fmt.Errorf("run %d (%s): %w", runNumber, detail, ErrRunPoisoned)
	}
	return nil
}

func (e *Engine) poison(runNumber int64, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.poisoned[runNumber] = detail
}

// finish classifies the transition result: success edges are counted and
// logged, conflicts and integrity faults feed their metrics, and integrity
// faults poison the run.
func (e *Engine) finish(runNumber int64, operation string, from, to domain.WorkflowState, err error) error {
	if err == nil {
		if to != "" {
			metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
			e.logger.Info("run transitioned",
				"run_number", runNumber,
				"operation", operation,
				"from", string(from),
				"to", string(to),
			)
		}
		return nil
	}

	var stale *StaleStateError
	if errors.As(err, &stale) {
		metrics.TransitionConflictsTotal.WithLabelValues(operation).Inc()
		e.logger.Warn("transition conflict",
			"run_number", runNumber,
			"operation", operation,
			"error", err,
		)
		return err
	}

	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		e.poison(runNumber, integrity.Detail)
		metrics.IntegrityFaultsTotal.Inc()
		e.logger.Error("integrity fault, run poisoned",
			"run_number", runNumber,
			"operation", operation,
			"error", err,
		)
		return err
	}

	return fmt.Errorf("%s run %d: %w", operation, runNumber, err)
}

// transferReplay accepts a re-delivered transfer success whose effects are
// already recorded; anything else is a conflict.
func (e *Engine) transferReplay(ctx context.Context, runNumber int64, state domain.WorkflowState, outcome domain.StepOutcome, tx repo.TransitionTx) error {
	step, err := tx.GetStep(ctx, state.StepNumber())
	if err == nil && step.Checksum == outcome.Checksum && step.Location == outcome.Location && step.EndDate == nil {
		e.logger.Debug("transfer replay ignored", "run_number", runNumber, "state", string(state))
		return nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return transferStale(runNumber, state)
}

// computeReplay accepts a re-delivered compute success whose provenance is
// already recorded; anything else is a conflict.
func (e *Engine) computeReplay(ctx context.Context, runNumber int64, state domain.WorkflowState, outcome domain.StepOutcome, tx repo.TransitionTx) error {
	step, err := tx.GetStep(ctx, state.StepNumber())
	if err == nil && step.EndDate != nil &&
		step.Site == outcome.Site && step.Checksum == outcome.Checksum && step.Location == outcome.Location {
		e.logger.Debug("compute replay ignored", "run_number", runNumber, "state", string(state))
		return nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return computeStale(runNumber, state)
}

func transferStale(runNumber int64, actual domain.WorkflowState) error {
	return &StaleStateError{
		RunNumber: runNumber,
		Operation: "record transfer",
		Expected:  []domain.WorkflowState{domain.StateTransferFromTape, domain.StateTransferWIPAC},
		Actual:    actual,
	}
}

func computeStale(runNumber int64, actual domain.WorkflowState) error {
	return &StaleStateError{
		RunNumber: runNumber,
		Operation: "record compute",
		Expected:  []domain.WorkflowState{domain.StateProcessStep1, domain.StateProcessStep2},
		Actual:    actual,
	}
}

// checkInvariants verifies the state/step shape the destination state
// demands, reading rows as written inside the open transaction.
func (e *Engine) checkInvariants(ctx context.Context, runNumber int64, state domain.WorkflowState, tx repo.TransitionTx) error {
	switch state {
	case domain.StateProcessStep1, domain.StateFinishStep1, domain.StateTransferWIPAC:
		if _, err := requireStep(ctx, tx, runNumber, state, domain.StepOne); err != nil {
			return err
		}
	case domain.StateProcessStep2, domain.StateFinishStep2:
		for _, stepNumber := range []int{domain.StepOne, domain.StepTwo} {
			if _, err := requireStep(ctx, tx, runNumber, state, stepNumber); err != nil {
				return err
			}
		}
	case domain.StateComplete:
		for _, stepNumber := range []int{domain.StepOne, domain.StepTwo} {
			step, err := requireStep(ctx, tx, runNumber, state, stepNumber)
			if err != nil {
				return err
			}
			if step.EndDate == nil || step.Checksum == "" || step.Location == "" {
				return &IntegrityError{
					RunNumber: runNumber,
					State:     state,
					Detail:    fmt.Sprintf("step %d incomplete", stepNumber),
				}
			}
		}
	case domain.StateStep1Error, domain.StateStep2Error:
		step, err := requireStep(ctx, tx, runNumber, state, state.StepNumber())
		if err != nil {
			return err
		}
		if step.EndDate == nil {
			return &IntegrityError{RunNumber: runNumber, State: state, Detail: "failed step has no end date"}
		}
		if step.Checksum != "" || step.Location != "" {
			return &IntegrityError{RunNumber: runNumber, State: state, Detail: "failed step carries success provenance"}
		}
	}
	return nil
}

func requireStep(ctx context.Context, tx repo.TransitionTx, runNumber int64, state domain.WorkflowState, stepNumber int) (domain.ProcessingStep, error) {
	step, err := tx.GetStep(ctx, stepNumber)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ProcessingStep{}, &IntegrityError{
				RunNumber: runNumber,
				State:     state,
				Detail:    fmt.Sprintf("missing step %d row", stepNumber),
			}
		}
		return domain.ProcessingStep{}, err
	}
	return step, nil
}

func loadOrInitStep(ctx context.Context, tx repo.TransitionTx, runNumber int64, stepNumber int) (domain.ProcessingStep, error) {
	step, err := tx.GetStep(ctx, stepNumber)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ProcessingStep{RunNumber: runNumber, StepNumber: stepNumber}, nil
		}
		return domain.ProcessingStep{}, err
	}
	return step, nil
}

func normalizeOutcome(outcome domain.StepOutcome) domain.StepOutcome {
	now := time.Now().UTC()
	if outcome.StartedAt.IsZero() {
		outcome.StartedAt = now
	} else {
		outcome.StartedAt = outcome.StartedAt.UTC()
	}
	if outcome.EndedAt.IsZero() {
		outcome.EndedAt = now
	} else {
		outcome.EndedAt = outcome.EndedAt.UTC()
	}
	return outcome
}
