// Package api exposes the operational HTTP surface: run listing and
// inspection, registration, manual retries and cancellation, plus
// health, readiness and metrics endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polarscope/runflow/internal/dispatch"
	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/engine"
	"github.com/polarscope/runflow/internal/platform/httpserver"
	"github.com/polarscope/runflow/internal/repo"
)

// Registrar brings new runs into the workflow.
type Registrar interface {
	Register(ctx context.Context, runNumber, fileNumber int64, runStartDate time.Time) (domain.Run, error)
}

// RetryService applies operator-requested retries.
type RetryService interface {
	RetryNow(ctx context.Context, runNumber int64) error
}

// RunControl parks and resumes runs in the dispatcher.
type RunControl interface {
	Cancel(runNumber int64)
	Uncancel(runNumber int64)
	Cancelled(runNumber int64) bool
}

type Config struct {
	// Service names the deployment in health and readiness payloads.
	Service string
	// BearerToken guards mutating routes. Empty disables the guard,
	// which is only sensible in development.
	BearerToken string
	// Readiness checks run on every /readyz request.
	Readiness []httpserver.ReadinessCheck
}

type API struct {
	logger    *slog.Logger
	runs      repo.RunRepository
	steps     repo.StepRepository
	registrar Registrar
	retries   RetryService
	control   RunControl
	cfg       Config
}

func New(
	logger *slog.Logger,
	runs repo.RunRepository,
	steps repo.StepRepository,
	registrar Registrar,
	retries RetryService,
	control RunControl,
	cfg Config,
) (*API, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if runs == nil {
		return nil, errors.New("run repository is required")
	}
	if steps == nil {
		return nil, errors.New("step repository is required")
	}
	if registrar == nil {
		return nil, errors.New("registrar is required")
	}
	if retries == nil {
		return nil, errors.New("retry service is required")
	}
	if control == nil {
		return nil, errors.New("run control is required")
	}
	if cfg.Service == "" {
		cfg.Service = "runflow"
	}
	api := &API{
		logger:    logger.With("component", "api"),
		runs:      runs,
		steps:     steps,
		registrar: registrar,
		retries:   retries,
		control:   control,
		cfg:       cfg,
	}
	if cfg.BearerToken == "" {
		api.logger.Warn("api bearer token is empty, mutating routes are unguarded")
	}
	return api, nil
}

// Register wires the API routes onto mux.
func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/runs", api.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_number}", api.handleGetRun)
	mux.HandleFunc("POST /api/runs", api.requireToken(api.handleRegisterRun))
	mux.HandleFunc("POST /api/runs/{run_number}/retry", api.requireToken(api.handleRetryRun))
	mux.HandleFunc("POST /api/runs/{run_number}/cancel", api.requireToken(api.handleCancelRun))
	mux.HandleFunc("POST /api/runs/{run_number}/uncancel", api.requireToken(api.handleUncancelRun))

	mux.HandleFunc("GET /healthz", httpserver.Healthz(api.cfg.Service))
	mux.HandleFunc("GET /readyz", httpserver.Readyz(api.cfg.Service, api.cfg.Readiness...))
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (api *API) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if api.cfg.BearerToken == "" {
			next(w, r)
			return
		}
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		token := strings.TrimSpace(authz[len("bearer "):])
		if subtle.ConstantTimeCompare([]byte(token), []byte(api.cfg.BearerToken)) != 1 {
			api.writeError(w, r, http.StatusUnauthorized, "invalid_token")
			return
		}
		next(w, r)
	}
}

func (api *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)

	filter := repo.RunFilter{Limit: limit}
	if stateRaw := strings.TrimSpace(r.URL.Query().Get("state")); stateRaw != "" {
		state, err := domain.ParseWorkflowState(stateRaw)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_state")
			return
		}
		filter.States = []domain.WorkflowState{state}
	}

	runs, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.logger.Error("list runs failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type runDetail struct {
	Run       domain.Run              `json:"run"`
	Steps     []domain.ProcessingStep `json:"steps"`
	Cancelled bool                    `json:"cancelled"`
}

func (api *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runNumber, ok := api.runNumberFromPath(w, r)
	if !ok {
		return
	}

	run, err := api.runs.GetRun(r.Context(), runNumber)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get run failed", "run_number", runNumber, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	steps, err := api.steps.ListSteps(r.Context(), runNumber)
	if err != nil {
		api.logger.Error("list steps failed", "run_number", runNumber, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if steps == nil {
		steps = []domain.ProcessingStep{}
	}

	api.writeJSON(w, http.StatusOK, runDetail{
		Run:       run,
		Steps:     steps,
		Cancelled: api.control.Cancelled(runNumber),
	})
}

type registerRunRequest struct {
	RunNumber    int64  `json:"run_number"`
	FileNumber   int64  `json:"file_number"`
	RunStartDate string `json:"run_start_date"`
}

func (api *API) handleRegisterRun(w http.ResponseWriter, r *http.Request) {
	var req registerRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.RunNumber <= 0 {
		api.writeError(w, r, http.StatusBadRequest, "run_number_required")
		return
	}
	if req.FileNumber < 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_file_number")
		return
	}
	startDate, err := parseRunStartDate(req.RunStartDate)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_run_start_date")
		return
	}

	run, err := api.registrar.Register(r.Context(), req.RunNumber, req.FileNumber, startDate)
	if err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			api.writeError(w, r, http.StatusConflict, "run_exists")
			return
		}
		api.logger.Error("register run failed", "run_number", req.RunNumber, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/api/runs/"+strconv.FormatInt(run.RunNumber, 10))
	api.writeJSON(w, http.StatusCreated, run)
}

func (api *API) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	runNumber, ok := api.runNumberFromPath(w, r)
	if !ok {
		return
	}

	if err := api.retries.RetryNow(r.Context(), runNumber); err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, dispatch.ErrRunClaimed):
			api.writeError(w, r, http.StatusConflict, "step_in_flight")
		case errors.Is(err, engine.ErrRunPoisoned):
			api.writeError(w, r, http.StatusConflict, "run_poisoned")
		case errors.Is(err, engine.ErrStaleState):
			api.writeError(w, r, http.StatusConflict, "not_in_error_state")
		default:
			api.logger.Error("manual retry failed", "run_number", runNumber, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	run, err := api.runs.GetRun(r.Context(), runNumber)
	if err != nil {
		api.logger.Error("get run after retry failed", "run_number", runNumber, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, run)
}

func (api *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runNumber, ok := api.runNumberFromPath(w, r)
	if !ok {
		return
	}
	if !api.requireRunExists(w, r, runNumber) {
		return
	}
	api.control.Cancel(runNumber)
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_number": runNumber,
		"cancelled":  true,
	})
}

func (api *API) handleUncancelRun(w http.ResponseWriter, r *http.Request) {
	runNumber, ok := api.runNumberFromPath(w, r)
	if !ok {
		return
	}
	if !api.requireRunExists(w, r, runNumber) {
		return
	}
	api.control.Uncancel(runNumber)
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_number": runNumber,
		"cancelled":  false,
	})
}

func (api *API) requireRunExists(w http.ResponseWriter, r *http.Request, runNumber int64) bool {
	_, err := api.runs.GetRun(r.Context(), runNumber)
	if err == nil {
		return true
	}
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return false
	}
	api.logger.Error("get run failed", "run_number", runNumber, "error", err)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	return false
}

func (api *API) runNumberFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.PathValue("run_number"))
	runNumber, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || runNumber <= 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_run_number")
		return 0, false
	}
	return runNumber, true
}

// parseRunStartDate accepts the dashboard's date-only form and RFC 3339.
func parseRunStartDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.ParseInLocation("2006-01-02", raw, time.UTC); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
