package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	insertRunQuery = `INSERT INTO runs (
		run_number,
		file_number,
		run_start_date,
		state,
		url
	) VALUES ($1,$2,$3,$4,$5)`

	upsertRunQuery = `INSERT INTO runs (
		run_number,
		file_number,
		run_start_date,
		state,
		url
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (run_number) DO UPDATE SET
		state = EXCLUDED.state,
		url = EXCLUDED.url,
		updated_at = now()
	RETURNING (created_at = updated_at)`

	selectRunQuery = `SELECT run_number, file_number, run_start_date, state, url, created_at, updated_at
	 FROM runs
	 WHERE run_number = $1`

	selectRunForUpdateQuery = selectRunQuery + `
	 FOR UPDATE`

	updateRunStateQuery = `UPDATE runs
	 SET state = $1, url = COALESCE(NULLIF($2, ''), url), updated_at = now()
	 WHERE run_number = $3`

	countRunsByStateQuery = `SELECT state, COUNT(*) FROM runs GROUP BY state`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertRunQuery,
		run.RunNumber,
		run.FileNumber,
		normalizeTime(run.RunStartDate),
		string(run.State),
		nullIfEmpty(run.URL),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) UpsertRun(ctx context.Context, run domain.Run) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return false, err
	}
	var created bool
	err := s.db.QueryRowContext(
		ctx,
		upsertRunQuery,
		run.RunNumber,
		run.FileNumber,
		normalizeTime(run.RunStartDate),
		string(run.State),
		nullIfEmpty(run.URL),
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert run: %w", err)
	}
	return created, nil
}

func (s *RunStore) GetRun(ctx context.Context, runNumber int64) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	if runNumber <= 0 {
		return domain.Run{}, fmt.Errorf("run number must be positive")
	}
	row := s.db.QueryRowContext(ctx, selectRunQuery, runNumber)
	return scanRun(row)
}

// GetRunForUpdate loads a run while taking a row lock. Only meaningful when
// the store is built over an open transaction.
func (s *RunStore) GetRunForUpdate(ctx context.Context, runNumber int64) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	if runNumber <= 0 {
		return domain.Run{}, fmt.Errorf("run number must be positive")
	}
	row := s.db.QueryRowContext(ctx, selectRunForUpdateQuery, runNumber)
	return scanRun(row)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 1)
	args := make([]any, 0, len(filter.States)+1)

	if len(filter.States) > 0 {
		placeholders := make([]string, 0, len(filter.States))
		for _, state := range filter.States {
			if !state.Valid() {
				return nil, fmt.Errorf("invalid run state in filter: %q", state)
			}
			args = append(args, string(state))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		clauses = append(clauses, "state IN ("+strings.Join(placeholders, ",")+")")
	}

	query := `SELECT run_number, file_number, run_start_date, state, url, created_at, updated_at
		FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	// Oldest runs go first so dispatch order follows acquisition order.
	query += " ORDER BY run_start_date ASC, run_number ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) CountRunsByState(ctx context.Context) (map[domain.WorkflowState]int64, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, countRunsByStateQuery)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.WorkflowState]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.WorkflowState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	return counts, nil
}

func (s *RunStore) UpdateRunState(ctx context.Context, runNumber int64, state domain.WorkflowState, url string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if !state.Valid() {
		return fmt.Errorf("invalid run state: %q", state)
	}
	res, err := s.db.ExecContext(ctx, updateRunStateQuery, string(state), strings.TrimSpace(url), runNumber)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (domain.Run, error) {
	var run domain.Run
	var state string
	var url sql.NullString
	if err := scanner.Scan(
		&run.RunNumber,
		&run.FileNumber,
		&run.RunStartDate,
		&state,
		&url,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	run.State = domain.WorkflowState(state)
	run.RunStartDate = run.RunStartDate.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	if url.Valid {
		run.URL = url.String
	}
	return run, nil
}
