package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/repo"
)

// fakeStore is an in-memory TransitionStore with transaction semantics:
// the callback runs under a per-store lock and its writes are rolled back
// when it returns an error.
type fakeStore struct {
	mu    sync.Mutex
	runs  map[int64]domain.Run
	steps map[int64]map[int]domain.ProcessingStep
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:  make(map[int64]domain.Run),
		steps: make(map[int64]map[int]domain.ProcessingStep),
	}
}

func (s *fakeStore) addRun(run domain.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.RunNumber] = run
}

func (s *fakeStore) putStep(step domain.ProcessingStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if s.steps[step.RunNumber] == nil {
		s.steps[step.RunNumber] = make(map[int]domain.ProcessingStep)
	}
	s.steps[step.RunNumber][step.StepNumber] = step
}

func (s *fakeStore) run(runNumber int64) (domain.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runNumber]
	return run, ok
}

func (s *fakeStore) step(runNumber int64, stepNumber int) (domain.ProcessingStep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[runNumber][stepNumber]
	return step, ok
}

func (s *fakeStore) stepCount(runNumber int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps[runNumber])
}

func (s *fakeStore) InTransition(ctx context.Context, runNumber int64, fn repo.TransitionFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runNumber]
	if !ok {
		return repo.ErrNotFound
	}

	savedSteps := make(map[int]domain.ProcessingStep, len(s.steps[runNumber]))
	for k, v := range s.steps[runNumber] {
		savedSteps[k] = v
	}
	savedRun := run

	tx := &fakeTx{store: s, runNumber: runNumber}
	if err := fn(ctx, run, tx); err != nil {
		s.runs[runNumber] = savedRun
		s.steps[runNumber] = savedSteps
		return err
	}
	return nil
}

type fakeTx struct {
	store     *fakeStore
	runNumber int64
}

func (t *fakeTx) UpdateRunState(ctx context.Context, state domain.WorkflowState, url string) error {
	run := t.store.runs[t.runNumber]
	run.State = state
	if url != "" {
		run.URL = url
	}
	run.UpdatedAt = time.Now().UTC()
	t.store.runs[t.runNumber] = run
	return nil
}

func (t *fakeTx) UpsertStep(ctx context.Context, step domain.ProcessingStep) error {
	step.RunNumber = t.runNumber
	if err := step.Validate(); err != nil {
		return err
	}
	if t.store.steps[t.runNumber] == nil {
		t.store.steps[t.runNumber] = make(map[int]domain.ProcessingStep)
	}
	existing, ok := t.store.steps[t.runNumber][step.StepNumber]
	if ok {
		step.ID = existing.ID
		step.CreatedAt = existing.CreatedAt
	} else if step.ID == "" {
		step.ID = uuid.NewString()
		step.CreatedAt = time.Now().UTC()
	}
	step.UpdatedAt = time.Now().UTC()
	t.store.steps[t.runNumber][step.StepNumber] = step
	return nil
}

func (t *fakeTx) GetStep(ctx context.Context, stepNumber int) (domain.ProcessingStep, error) {
	step, ok := t.store.steps[t.runNumber][stepNumber]
	if !ok {
		return domain.ProcessingStep{}, repo.ErrNotFound
	}
	return step, nil
}
