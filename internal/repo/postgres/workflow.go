package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/repo"
)

// WorkflowStore applies state transitions transactionally. Each transition
// locks the run row first, so concurrent writers serialize per run.
type WorkflowStore struct {
	db *sql.DB
}

func NewWorkflowStore(db *sql.DB) *WorkflowStore {
	if db == nil {
		return nil
	}
	return &WorkflowStore{db: db}
}

func (s *WorkflowStore) InTransition(ctx context.Context, runNumber int64, fn repo.TransitionFunc) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow store not initialized")
	}
	if fn == nil {
		return fmt.Errorf("transition func is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	runs := NewRunStore(tx)
	run, err := runs.GetRunForUpdate(ctx, runNumber)
	if err != nil {
		return err
	}

	ttx := &transitionTx{
		runNumber: runNumber,
		runs:      runs,
		steps:     NewStepStore(tx),
	}
	if err := fn(ctx, run, ttx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

type transitionTx struct {
	runNumber int64
	runs      *RunStore
	steps     *StepStore
}

func (t *transitionTx) UpdateRunState(ctx context.Context, state domain.WorkflowState, url string) error {
	return t.runs.UpdateRunState(ctx, t.runNumber, state, url)
}

func (t *transitionTx) UpsertStep(ctx context.Context, step domain.ProcessingStep) error {
	step.RunNumber = t.runNumber
	return t.steps.UpsertStep(ctx, step)
}

func (t *transitionTx) GetStep(ctx context.Context, stepNumber int) (domain.ProcessingStep, error) {
	return t.steps.GetStep(ctx, t.runNumber, stepNumber)
}
