package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/repo"
)

type fakeRuns struct {
	mu   sync.Mutex
	runs map[int64]domain.Run
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: make(map[int64]domain.Run)}
}

func (f *fakeRuns) add(runNumber int64, state domain.WorkflowState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runNumber] = domain.Run{
		RunNumber:    runNumber,
		FileNumber:   1,
		RunStartDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(runNumber) * time.Hour),
		State:        state,
	}
}

func (f *fakeRuns) setState(runNumber int64, state domain.WorkflowState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[runNumber]
	run.State = state
	f.runs[runNumber] = run
}

func (f *fakeRuns) state(runNumber int64) domain.WorkflowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[runNumber].State
}

func (f *fakeRuns) CreateRun(_ context.Context, run domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[run.RunNumber]; ok {
		return repo.ErrAlreadyExists
	}
	f.runs[run.RunNumber] = run
	return nil
}

func (f *fakeRuns) UpsertRun(_ context.Context, run domain.Run) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.runs[run.RunNumber]
	f.runs[run.RunNumber] = run
	return !existed, nil
}

func (f *fakeRuns) GetRun(_ context.Context, runNumber int64) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runNumber]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeRuns) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[domain.WorkflowState]struct{}, len(filter.States))
	for _, s := range filter.States {
		wanted[s] = struct{}{}
	}
	out := make([]domain.Run, 0, len(f.runs))
	for _, run := range f.runs {
		if len(wanted) > 0 {
			if _, ok := wanted[run.State]; !ok {
				continue
			}
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RunStartDate.Equal(out[j].RunStartDate) {
			return out[i].RunStartDate.Before(out[j].RunStartDate)
		}
		return out[i].RunNumber < out[j].RunNumber
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRuns) CountRunsByState(_ context.Context) (map[domain.WorkflowState]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[domain.WorkflowState]int64)
	for _, run := range f.runs {
		counts[run.State]++
	}
	return counts, nil
}

// fakeEngine applies the success edge of each operation straight to the
// fake repository, or returns the scripted error.
type fakeEngine struct {
	mu    sync.Mutex
	repo  *fakeRuns
	calls map[string][]int64

	dispatchErr error
	finalizeErr error
	retryErr    error
}

func newFakeEngine(runs *fakeRuns) *fakeEngine {
	return &fakeEngine{repo: runs, calls: make(map[string][]int64)}
}

func (e *fakeEngine) record(op string, runNumber int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[op] = append(e.calls[op], runNumber)
}

func (e *fakeEngine) count(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls[op])
}

func (e *fakeEngine) Dispatch(_ context.Context, runNumber int64) error {
	e.record("dispatch", runNumber)
	if e.dispatchErr != nil {
		return e.dispatchErr
	}
	e.repo.setState(runNumber, domain.StateTransferFromTape)
	return nil
}

func (e *fakeEngine) FinalizeStep(_ context.Context, runNumber int64) error {
	e.record("finalize", runNumber)
	if e.finalizeErr != nil {
		return e.finalizeErr
	}
	switch e.repo.state(runNumber) {
	case domain.StateFinishStep1:
		e.repo.setState(runNumber, domain.StateTransferWIPAC)
	case domain.StateFinishStep2:
		e.repo.setState(runNumber, domain.StateComplete)
	}
	return nil
}

func (e *fakeEngine) Retry(_ context.Context, runNumber int64) error {
	e.record("retry", runNumber)
	if e.retryErr != nil {
		return e.retryErr
	}
	if target, ok := e.repo.state(runNumber).RetryTarget(); ok {
		e.repo.setState(runNumber, target)
	}
	return nil
}

// fakeExec records executions; with a gate set it blocks until the gate
// closes, keeping the claim held.
type fakeExec struct {
	mu       sync.Mutex
	executed []domain.Run
	gate     chan struct{}
	err      error
}

func (x *fakeExec) Execute(_ context.Context, run domain.Run) error {
	if x.gate != nil {
		<-x.gate
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.executed = append(x.executed, run)
	return x.err
}

func (x *fakeExec) runs() []domain.Run {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]domain.Run, len(x.executed))
	copy(out, x.executed)
	return out
}
