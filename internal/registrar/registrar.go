// Package registrar brings runs into the workflow. New runs enter one at
// a time through Register when a source file lands, or in bulk through
// ImportEvents, which reads the legacy dashboard's events.json export.
package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/repo"
)

// Service registers runs and seeds their processing step rows.
type Service struct {
	logger *slog.Logger
	runs   repo.RunRepository
	steps  repo.StepRepository
}

// New builds a registrar backed by the given repositories.
func New(logger *slog.Logger, runs repo.RunRepository, steps repo.StepRepository) (*Service, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if runs == nil {
		return nil, fmt.Errorf("run repository is required")
	}
	if steps == nil {
		return nil, fmt.Errorf("step repository is required")
	}
	return &Service{
		logger: logger.With("component", "registrar"),
		runs:   runs,
		steps:  steps,
	}, nil
}

// Register inserts a new run in the Not Yet Started state and seeds its
// two step rows. A run number that already exists is rejected with
// repo.ErrAlreadyExists.
func (s *Service) Register(ctx context.Context, runNumber, fileNumber int64, runStartDate time.Time) (domain.Run, error) {
	run := domain.Run{
		RunNumber:    runNumber,
		FileNumber:   fileNumber,
		RunStartDate: runStartDate.UTC(),
		State:        domain.StateNotYetStarted,
	}
	if err := run.Validate(); err != nil {
		return domain.Run{}, fmt.Errorf("register run: %w", err)
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("register run %d: %w", runNumber, err)
	}
	if err := s.steps.EnsureSteps(ctx, runNumber); err != nil {
		return domain.Run{}, fmt.Errorf("seed steps for run %d: %w", runNumber, err)
	}
	s.logger.Info("run registered",
		"run_number", runNumber,
		"file_number", fileNumber,
		"run_start_date", run.RunStartDate.Format("2006-01-02"))
	return run, nil
}

// ImportResult summarizes one events.json import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Total    int `json:"total"`
}

// eventRecord is one entry of the dashboard's events.json export. The
// title carries the run number and the description is carried along but
// not stored.
type eventRecord struct {
	Title       string `json:"title"`
	Date        string `json:"date"`
	Status      string `json:"status"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// ImportEvents loads an events.json file and upserts one run per entry.
// Entries whose title is not a positive run number or whose date does not
// parse are skipped and counted. Unknown statuses land in Not Yet
// Started. Re-importing the same file refreshes state and url without
// duplicating rows, so the import can be re-run safely.
//
// Progress is rendered to the given writer; pass nil to disable it.
func (s *Service) ImportEvents(ctx context.Context, path string, progress io.Writer) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("read events file: %w", err)
	}
	var events []eventRecord
	if err := json.Unmarshal(data, &events); err != nil {
		return ImportResult{}, fmt.Errorf("parse events file %s: %w", path, err)
	}

	if progress == nil {
		progress = io.Discard
	}
	bar := newImportBar(int64(len(events)), progress)

	result := ImportResult{Total: len(events)}
	for idx, event := range events {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		run, ok := s.parseEvent(idx, event)
		if !ok {
			result.Skipped++
			_ = bar.Add(1)
			continue
		}
		if _, err := s.runs.UpsertRun(ctx, run); err != nil {
			return result, fmt.Errorf("import run %d: %w", run.RunNumber, err)
		}
		if err := s.steps.EnsureSteps(ctx, run.RunNumber); err != nil {
			return result, fmt.Errorf("seed steps for run %d: %w", run.RunNumber, err)
		}
		result.Imported++
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	s.logger.Info("events imported",
		"imported", result.Imported,
		"skipped", result.Skipped,
		"total", result.Total)
	return result, nil
}

// parseEvent maps one events.json entry onto a run. It reports false for
// entries that cannot name a run, which the caller counts as skipped.
func (s *Service) parseEvent(idx int, event eventRecord) (domain.Run, bool) {
	runNumber, err := strconv.ParseInt(strings.TrimSpace(event.Title), 10, 64)
	if err != nil || runNumber <= 0 {
		s.logger.Warn("skipping event, title is not a run number",
			"index", idx, "title", event.Title)
		return domain.Run{}, false
	}
	startDate, err := time.ParseInLocation("2006-01-02", event.Date, time.UTC)
	if err != nil {
		s.logger.Warn("skipping event, unparseable date",
			"index", idx, "run_number", runNumber, "date", event.Date)
		return domain.Run{}, false
	}
	state, err := domain.ParseWorkflowState(event.Status)
	if err != nil {
		state = domain.StateNotYetStarted
	}
	return domain.Run{
		RunNumber:    runNumber,
		RunStartDate: startDate,
		State:        state,
		URL:          event.URL,
	}, true
}

func newImportBar(total int64, out io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("importing events"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(500*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionEnableColorCodes(false),
	)
}
