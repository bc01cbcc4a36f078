package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/polarscope/runflow/internal/domain"
)

type StepStore struct {
	db DB
}

const (
	ensureStepQuery = `INSERT INTO processing_steps (id, run_number, step_number)
	 VALUES ($1,$2,$3)
	 ON CONFLICT (run_number, step_number) DO NOTHING`

	upsertStepQuery = `INSERT INTO processing_steps (
		id,
		run_number,
		step_number,
		started_date,
		end_date,
		site,
		checksum,
		location
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (run_number, step_number) DO UPDATE SET
		started_date = EXCLUDED.started_date,
		end_date = EXCLUDED.end_date,
		site = EXCLUDED.site,
		checksum = EXCLUDED.checksum,
		location = EXCLUDED.location,
		updated_at = now()`

	selectStepQuery = `SELECT id, run_number, step_number, started_date, end_date, site, checksum, location, created_at, updated_at
	 FROM processing_steps
	 WHERE run_number = $1 AND step_number = $2`

	listStepsByRunQuery = `SELECT id, run_number, step_number, started_date, end_date, site, checksum, location, created_at, updated_at
	 FROM processing_steps
	 WHERE run_number = $1
	 ORDER BY step_number ASC`
)

func NewStepStore(db DB) *StepStore {
	if db == nil {
		return nil
	}
	return &StepStore{db: db}
}

// EnsureSteps seeds one empty row per stage so a run always shows both
// steps, even before any work ran. Existing rows are left untouched.
func (s *StepStore) EnsureSteps(ctx context.Context, runNumber int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	if runNumber <= 0 {
		return fmt.Errorf("run number must be positive")
	}
	for _, stepNumber := range []int{domain.StepOne, domain.StepTwo} {
		if _, err := s.db.ExecContext(ctx, ensureStepQuery, uuid.NewString(), runNumber, stepNumber); err != nil {
			return fmt.Errorf("ensure step %d: %w", stepNumber, err)
		}
	}
	return nil
}

func (s *StepStore) UpsertStep(ctx context.Context, step domain.ProcessingStep) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	if err := step.Validate(); err != nil {
		return err
	}
	id := step.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(
		ctx,
		upsertStepQuery,
		id,
		step.RunNumber,
		step.StepNumber,
		nullTime(step.StartedDate),
		nullTime(step.EndDate),
		nullIfEmpty(step.Site),
		nullIfEmpty(step.Checksum),
		nullIfEmpty(step.Location),
	)
	if err != nil {
		return fmt.Errorf("upsert step: %w", err)
	}
	return nil
}

func (s *StepStore) GetStep(ctx context.Context, runNumber int64, stepNumber int) (domain.ProcessingStep, error) {
	if s == nil || s.db == nil {
		return domain.ProcessingStep{}, fmt.Errorf("step store not initialized")
	}
	row := s.db.QueryRowContext(ctx, selectStepQuery, runNumber, stepNumber)
	return scanStep(row)
}

func (s *StepStore) ListSteps(ctx context.Context, runNumber int64) ([]domain.ProcessingStep, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listStepsByRunQuery, runNumber)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]domain.ProcessingStep, 0, 2)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return steps, nil
}

type stepScanner interface {
	Scan(dest ...any) error
}

func scanStep(scanner stepScanner) (domain.ProcessingStep, error) {
	var step domain.ProcessingStep
	var startedDate sql.NullTime
	var endDate sql.NullTime
	var site sql.NullString
	var checksum sql.NullString
	var location sql.NullString
	if err := scanner.Scan(
		&step.ID,
		&step.RunNumber,
		&step.StepNumber,
		&startedDate,
		&endDate,
		&site,
		&checksum,
		&location,
		&step.CreatedAt,
		&step.UpdatedAt,
	); err != nil {
		return domain.ProcessingStep{}, handleNotFound(err)
	}
	if startedDate.Valid {
		t := startedDate.Time.UTC()
		step.StartedDate = &t
	}
	if endDate.Valid {
		t := endDate.Time.UTC()
		step.EndDate = &t
	}
	if site.Valid {
		step.Site = site.String
	}
	if checksum.Valid {
		step.Checksum = checksum.String
	}
	if location.Valid {
		step.Location = location.String
	}
	step.CreatedAt = step.CreatedAt.UTC()
	step.UpdatedAt = step.UpdatedAt.UTC()
	return step, nil
}
