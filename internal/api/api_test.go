package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/polarscope/runflow/internal/dispatch"
	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/engine"
	"github.com/polarscope/runflow/internal/platform/httpserver"
	"github.com/polarscope/runflow/internal/repo"
)

type fakeRuns struct {
	mu   sync.Mutex
	runs map[int64]domain.Run
	err  error
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: make(map[int64]domain.Run)}
}

func (f *fakeRuns) add(run domain.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.RunNumber] = run
}

func (f *fakeRuns) setState(runNumber int64, state domain.WorkflowState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[runNumber]
	run.State = state
	f.runs[runNumber] = run
}

func (f *fakeRuns) CreateRun(ctx context.Context, run domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[run.RunNumber]; ok {
		return repo.ErrAlreadyExists
	}
	f.runs[run.RunNumber] = run
	return nil
}

func (f *fakeRuns) UpsertRun(ctx context.Context, run domain.Run) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.runs[run.RunNumber]
	f.runs[run.RunNumber] = run
	return !existed, nil
}

func (f *fakeRuns) GetRun(ctx context.Context, runNumber int64) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Run{}, f.err
	}
	run, ok := f.runs[runNumber]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeRuns) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	wanted := make(map[domain.WorkflowState]bool, len(filter.States))
	for _, state := range filter.States {
		wanted[state] = true
	}
	out := make([]domain.Run, 0, len(f.runs))
	for _, run := range f.runs {
		if len(wanted) > 0 && !wanted[run.State] {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunNumber < out[j].RunNumber })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRuns) CountRunsByState(ctx context.Context) (map[domain.WorkflowState]int64, error) {
	return map[domain.WorkflowState]int64{}, nil
}

type fakeSteps struct {
	mu    sync.Mutex
	steps map[int64][]domain.ProcessingStep
}

func newFakeSteps() *fakeSteps {
	return &fakeSteps{steps: make(map[int64][]domain.ProcessingStep)}
}

func (f *fakeSteps) add(step domain.ProcessingStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[step.RunNumber] = append(f.steps[step.RunNumber], step)
}

func (f *fakeSteps) EnsureSteps(ctx context.Context, runNumber int64) error { return nil }

func (f *fakeSteps) UpsertStep(ctx context.Context, step domain.ProcessingStep) error { return nil }

func (f *fakeSteps) GetStep(ctx context.Context, runNumber int64, stepNumber int) (domain.ProcessingStep, error) {
	return domain.ProcessingStep{}, repo.ErrNotFound
}

func (f *fakeSteps) ListSteps(ctx context.Context, runNumber int64) ([]domain.ProcessingStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.ProcessingStep(nil), f.steps[runNumber]...)
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

type fakeRegistrar struct {
	runs *fakeRuns
	err  error
}

func (f *fakeRegistrar) Register(ctx context.Context, runNumber, fileNumber int64, runStartDate time.Time) (domain.Run, error) {
	if f.err != nil {
		return domain.Run{}, f.err
	}
	run := domain.Run{
		RunNumber:    runNumber,
		FileNumber:   fileNumber,
		RunStartDate: runStartDate.UTC(),
		State:        domain.StateNotYetStarted,
	}
	if err := f.runs.CreateRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

type fakeRetry struct {
	runs    *fakeRuns
	err     error
	retried []int64
}

func (f *fakeRetry) RetryNow(ctx context.Context, runNumber int64) error {
	if f.err != nil {
		return f.err
	}
	run, err := f.runs.GetRun(ctx, runNumber)
	if err != nil {
		return err
	}
	target, ok := run.State.RetryTarget()
	if !ok {
		return engine.ErrStaleState
	}
	f.runs.setState(runNumber, target)
	f.retried = append(f.retried, runNumber)
	return nil
}

type fakeControl struct {
	mu        sync.Mutex
	cancelled map[int64]bool
}

func newFakeControl() *fakeControl {
	return &fakeControl{cancelled: make(map[int64]bool)}
}

func (f *fakeControl) Cancel(runNumber int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[runNumber] = true
}

func (f *fakeControl) Uncancel(runNumber int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cancelled, runNumber)
}

func (f *fakeControl) Cancelled(runNumber int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[runNumber]
}

type testHarness struct {
	handler http.Handler
	runs    *fakeRuns
	steps   *fakeSteps
	reg     *fakeRegistrar
	retry   *fakeRetry
	control *fakeControl
}

func newTestAPI(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	runs := newFakeRuns()
	steps := newFakeSteps()
	reg := &fakeRegistrar{runs: runs}
	retry := &fakeRetry{runs: runs}
	control := newFakeControl()

	a, err := New(slogt.New(t), runs, steps, reg, retry, control, cfg)
	require.NoError(t, err)

	mux := http.NewServeMux()
	a.Register(mux)
	return &testHarness{
		handler: mux,
		runs:    runs,
		steps:   steps,
		reg:     reg,
		retry:   retry,
		control: control,
	}
}

func (h *testHarness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody[map[string]any](t, rec)
	code, _ := body["error"].(string)
	return code
}

func seedRun(h *testHarness, runNumber int64, state domain.WorkflowState) {
	h.runs.add(domain.Run{
		RunNumber:    runNumber,
		FileNumber:   7,
		RunStartDate: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		State:        state,
	})
}

func TestListRunsEmpty(t *testing.T) {
	h := newTestAPI(t, Config{})
	rec := h.do(t, http.MethodGet, "/api/runs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[struct {
		Runs []domain.Run `json:"runs"`
	}](t, rec)
	require.NotNil(t, body.Runs)
	require.Empty(t, body.Runs)
}

func TestListRunsFiltersByState(t *testing.T) {
	h := newTestAPI(t, Config{})
	seedRun(h, 1001, domain.StateComplete)
	seedRun(h, 1002, domain.StateProcessStep1)
	seedRun(h, 1003, domain.StateComplete)

	rec := h.do(t, http.MethodGet, "/api/runs?state=Complete", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Runs []domain.Run `json:"runs"`
	}](t, rec)
	require.Len(t, body.Runs, 2)
	require.Equal(t, int64(1001), body.Runs[0].RunNumber)
	require.Equal(t, int64(1003), body.Runs[1].RunNumber)

	rec = h.do(t, http.MethodGet, "/api/runs?state=Complete&limit=1", "", nil)
	body = decodeBody[struct {
		Runs []domain.Run `json:"runs"`
	}](t, rec)
	require.Len(t, body.Runs, 1)

	rec = h.do(t, http.MethodGet, "/api/runs?state=Cooking", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_state", errorCode(t, rec))
}

func TestGetRunWithSteps(t *testing.T) {
	h := newTestAPI(t, Config{})
	seedRun(h, 1001, domain.StateProcessStep2)
	started := time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC)
	ended := started.Add(time.Hour)
	h.steps.add(domain.ProcessingStep{
		ID: "a", RunNumber: 1001, StepNumber: domain.StepTwo, StartedDate: &started,
	})
	h.steps.add(domain.ProcessingStep{
		ID: "b", RunNumber: 1001, StepNumber: domain.StepOne,
		StartedDate: &started, EndDate: &ended,
		Site: "NERSC", Checksum: "abc", Location: "s3://x",
	})
	h.control.Cancel(1001)

	rec := h.do(t, http.MethodGet, "/api/runs/1001", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[runDetail](t, rec)
	require.Equal(t, int64(1001), body.Run.RunNumber)
	require.Equal(t, domain.StateProcessStep2, body.Run.State)
	require.Len(t, body.Steps, 2)
	require.Equal(t, domain.StepOne, body.Steps[0].StepNumber)
	require.Equal(t, domain.StepTwo, body.Steps[1].StepNumber)
	require.True(t, body.Cancelled)
}

func TestGetRunErrors(t *testing.T) {
	h := newTestAPI(t, Config{})

	rec := h.do(t, http.MethodGet, "/api/runs/9999", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", errorCode(t, rec))

	rec = h.do(t, http.MethodGet, "/api/runs/abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_run_number", errorCode(t, rec))
}

func TestRegisterRun(t *testing.T) {
	h := newTestAPI(t, Config{BearerToken: "secret"})

	rec := h.do(t, http.MethodPost, "/api/runs", "secret", registerRunRequest{
		RunNumber:    1001,
		FileNumber:   42,
		RunStartDate: "2024-03-05",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "/api/runs/1001", rec.Header().Get("Location"))
	created := decodeBody[domain.Run](t, rec)
	require.Equal(t, int64(1001), created.RunNumber)
	require.Equal(t, domain.StateNotYetStarted, created.State)
	require.True(t, created.RunStartDate.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))

	rec = h.do(t, http.MethodPost, "/api/runs", "secret", registerRunRequest{
		RunNumber:    1001,
		FileNumber:   42,
		RunStartDate: "2024-03-05",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "run_exists", errorCode(t, rec))
}

func TestRegisterRunValidation(t *testing.T) {
	h := newTestAPI(t, Config{})

	rec := h.do(t, http.MethodPost, "/api/runs", "", registerRunRequest{
		FileNumber:   42,
		RunStartDate: "2024-03-05",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "run_number_required", errorCode(t, rec))

	rec = h.do(t, http.MethodPost, "/api/runs", "", registerRunRequest{
		RunNumber:    1001,
		FileNumber:   -1,
		RunStartDate: "2024-03-05",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_file_number", errorCode(t, rec))

	rec = h.do(t, http.MethodPost, "/api/runs", "", registerRunRequest{
		RunNumber:    1001,
		RunStartDate: "March 5th",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_run_start_date", errorCode(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"run_number": 1, "bogus": true}`))
	rec2 := httptest.NewRecorder()
	h.handler.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusBadRequest, rec2.Code)
	require.Equal(t, "invalid_json", errorCode(t, rec2))
}

func TestRegisterRunAcceptsRFC3339(t *testing.T) {
	h := newTestAPI(t, Config{})
	rec := h.do(t, http.MethodPost, "/api/runs", "", registerRunRequest{
		RunNumber:    1002,
		RunStartDate: "2024-03-05T14:30:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[domain.Run](t, rec)
	require.True(t, created.RunStartDate.Equal(time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)))
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	h := newTestAPI(t, Config{BearerToken: "secret"})
	seedRun(h, 1001, domain.StateStep1Error)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/runs"},
		{http.MethodPost, "/api/runs/1001/retry"},
		{http.MethodPost, "/api/runs/1001/cancel"},
		{http.MethodPost, "/api/runs/1001/uncancel"},
	} {
		rec := h.do(t, route.method, route.path, "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
		require.Equal(t, "unauthorized", errorCode(t, rec))

		rec = h.do(t, route.method, route.path, "wrong", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
		require.Equal(t, "invalid_token", errorCode(t, rec))
	}

	rec := h.do(t, http.MethodGet, "/api/runs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, "read routes stay open")
}

func TestRetryRunAppliesAndReturnsRun(t *testing.T) {
	h := newTestAPI(t, Config{})
	seedRun(h, 1001, domain.StateStep1Error)

	rec := h.do(t, http.MethodPost, "/api/runs/1001/retry", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[domain.Run](t, rec)
	require.Equal(t, domain.StateTransferFromTape, body.State)
	require.Equal(t, []int64{1001}, h.retry.retried)
}

func TestRetryRunMapsErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"unknown run", repo.ErrNotFound, http.StatusNotFound, "not_found"},
		{"claimed", dispatch.ErrRunClaimed, http.StatusConflict, "step_in_flight"},
		{"poisoned", engine.ErrRunPoisoned, http.StatusConflict, "run_poisoned"},
		{"not in error state", engine.ErrStaleState, http.StatusConflict, "not_in_error_state"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestAPI(t, Config{})
			seedRun(h, 1001, domain.StateStep1Error)
			h.retry.err = tc.err

			rec := h.do(t, http.MethodPost, "/api/runs/1001/retry", "", nil)
			require.Equal(t, tc.wantCode, rec.Code)
			require.Equal(t, tc.wantBody, errorCode(t, rec))
		})
	}
}

func TestCancelAndUncancelRun(t *testing.T) {
	h := newTestAPI(t, Config{})
	seedRun(h, 1001, domain.StateProcessStep1)

	rec := h.do(t, http.MethodPost, "/api/runs/1001/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, h.control.Cancelled(1001))

	rec = h.do(t, http.MethodPost, "/api/runs/1001/uncancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, h.control.Cancelled(1001))

	rec = h.do(t, http.MethodPost, "/api/runs/9999/cancel", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReadyRoutes(t *testing.T) {
	failing := httpserver.ReadinessCheck{
		Name:  "postgres",
		Check: func(ctx context.Context) error { return context.DeadlineExceeded },
	}
	h := newTestAPI(t, Config{Service: "runflow-test", Readiness: []httpserver.ReadinessCheck{failing}})

	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")
}

func TestDecodeJSONRejectsExtraValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.test/", strings.NewReader(`{"run_number":1} {"run_number":2}`))
	var dst registerRunRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeJSONDisallowsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.test/", strings.NewReader(`{"run_number":1,"extra":1}`))
	var dst registerRunRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}
