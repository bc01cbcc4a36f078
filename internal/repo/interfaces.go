package repo

import (
	"context"

	"github.com/polarscope/runflow/internal/domain"
)

// RunFilter narrows run listings. An empty filter matches everything.
type RunFilter struct {
	States []domain.WorkflowState
	Limit  int
}

// RunRepository manages run rows keyed by run number.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	UpsertRun(ctx context.Context, run domain.Run) (created bool, err error)
	GetRun(ctx context.Context, runNumber int64) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	CountRunsByState(ctx context.Context) (map[domain.WorkflowState]int64, error)
}

// StepRepository manages processing step rows.
type StepRepository interface {
	EnsureSteps(ctx context.Context, runNumber int64) error
	UpsertStep(ctx context.Context, step domain.ProcessingStep) error
	GetStep(ctx context.Context, runNumber int64, stepNumber int) (domain.ProcessingStep, error)
	ListSteps(ctx context.Context, runNumber int64) ([]domain.ProcessingStep, error)
}

// TransitionTx is the slice of the store a transition may touch while the
// run row is locked. All operations are scoped to the locked run.
type TransitionTx interface {
	UpdateRunState(ctx context.Context, state domain.WorkflowState, url string) error
	UpsertStep(ctx context.Context, step domain.ProcessingStep) error
	GetStep(ctx context.Context, stepNumber int) (domain.ProcessingStep, error)
}

// TransitionFunc applies one transition against the locked run. Returning
// an error rolls the whole transaction back.
type TransitionFunc func(ctx context.Context, run domain.Run, tx TransitionTx) error

// TransitionStore runs fn inside a single transaction that holds a row
// lock on the run, so at most one transition applies to a run at a time.
type TransitionStore interface {
	InTransition(ctx context.Context, runNumber int64, fn TransitionFunc) error
}
