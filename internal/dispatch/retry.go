package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/engine"
	"github.com/polarscope/runflow/internal/platform/metrics"
	"github.com/polarscope/runflow/internal/repo"
)

type RetryConfig struct {
	Interval    time.Duration
	BatchLimit  int
	MaxAttempts uint64
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *RetryConfig) Validate() error {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 15 * time.Minute
	}
	return nil
}

// retrySchedule is one run's position in its backoff ladder. The ledger is
// in-memory only: a restart grants every parked-in-error run a fresh budget.
type retrySchedule struct {
	backoff   retry.Backoff
	attempts  int
	nextAt    time.Time
	spent     bool
	exhausted bool
}

// RetryManager re-fires runs out of their error states on an exponential
// schedule, and parks them when the budget runs out.
type RetryManager struct {
	logger *slog.Logger
	runs   repo.RunRepository
	engine Engine
	disp   *Dispatcher
	cfg    RetryConfig
	now    func() time.Time

	mu     sync.Mutex
	ledger map[int64]*retrySchedule
}

func NewRetryManager(logger *slog.Logger, runs repo.RunRepository, eng Engine, disp *Dispatcher, cfg RetryConfig) (*RetryManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runs == nil {
		return nil, fmt.Errorf("run repository is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("transition engine is required")
	}
	if disp == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RetryManager{
		logger: logger.With("component", "retry_manager"),
		runs:   runs,
		engine: eng,
		disp:   disp,
		cfg:    cfg,
		now:    time.Now,
		ledger: make(map[int64]*retrySchedule),
	}, nil
}

func (m *RetryManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("retry manager started",
		"interval", m.cfg.Interval.String(),
		"max_attempts", m.cfg.MaxAttempts,
	)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("retry manager stopped")
			return nil
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *RetryManager) scan(ctx context.Context) {
	runs, err := m.runs.ListRuns(ctx, repo.RunFilter{
		States: domain.ErrorStates(),
		Limit:  m.cfg.BatchLimit,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			m.logger.Error("list errored runs failed", "error", err)
		}
		return
	}
	for _, run := range runs {
		m.consider(ctx, run)
	}
}

func (m *RetryManager) consider(ctx context.Context, run domain.Run) {
	if m.disp.Cancelled(run.RunNumber) || m.disp.InFlight(run.RunNumber) {
		return
	}
	now := m.now().UTC()

	m.mu.Lock()
	entry, ok := m.ledger[run.RunNumber]
	if !ok {
		entry = &retrySchedule{backoff: m.newBackoff()}
		m.arm(entry, now)
		m.ledger[run.RunNumber] = entry
		m.mu.Unlock()
		m.logger.Info("retry scheduled",
			"run_number", run.RunNumber,
			"state", string(run.State),
			"next_attempt", entry.nextAt,
		)
		return
	}
	if entry.exhausted {
		m.mu.Unlock()
		return
	}
	if entry.spent {
		entry.exhausted = true
		attempts := entry.attempts
		m.mu.Unlock()
		m.exhaust(run, attempts)
		return
	}
	if now.Before(entry.nextAt) {
		m.mu.Unlock()
		return
	}
	entry.attempts++
	attempt := entry.attempts
	m.mu.Unlock()

	metrics.RetryAttemptsTotal.WithLabelValues(stageLabel(run.State)).Inc()
	m.logger.Info("automatic retry",
		"run_number", run.RunNumber,
		"state", string(run.State),
		"attempt", attempt,
	)
	m.applyRetry(ctx, run)
}

func (m *RetryManager) applyRetry(ctx context.Context, run domain.Run) {
	err := m.engine.Retry(ctx, run.RunNumber)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.ledger[run.RunNumber]
	if !ok {
		return
	}
	switch {
	case err == nil:
		// Pre-arm the window the next failure of this run falls into.
		m.arm(entry, m.now().UTC())
	case errors.Is(err, engine.ErrStaleState):
		// Someone moved the run first; a later failure starts a fresh ladder.
		delete(m.ledger, run.RunNumber)
	case errors.Is(err, engine.ErrRunPoisoned):
		m.disp.parks.Park(run.RunNumber)
		m.logger.Warn("poisoned run parked", "run_number", run.RunNumber, "error", err)
	case errors.Is(err, context.Canceled):
	default:
		m.arm(entry, m.now().UTC())
		m.logger.Warn("automatic retry failed",
			"run_number", run.RunNumber,
			"state", string(run.State),
			"error", err,
		)
	}
}

// exhaust parks the run and raises the budget alert, once per run.
func (m *RetryManager) exhaust(run domain.Run, attempts int) {
	m.disp.parks.Park(run.RunNumber)
	metrics.RetryExhaustedTotal.WithLabelValues(stageLabel(run.State)).Inc()
	m.logger.Error("retry budget exhausted, run parked for manual intervention",
		"run_number", run.RunNumber,
		"state", string(run.State),
		"attempts", attempts,
		"error", ErrRetryExhausted,
	)
}

// RetryNow serves manual retries from the CLI and API: it fails fast while
// a step is executing, resets the automatic budget and lifts any park.
func (m *RetryManager) RetryNow(ctx context.Context, runNumber int64) error {
	if m.disp.InFlight(runNumber) {
		return fmt.Errorf("run %d: %w", runNumber, ErrRunClaimed)
	}
	if err := m.engine.Retry(ctx, runNumber); err != nil {
		return err
	}
	m.Forget(runNumber)
	if m.disp.Cancelled(runNumber) {
		m.disp.Uncancel(runNumber)
	}
	return nil
}

// Forget drops the run's backoff ladder, granting a fresh budget.
func (m *RetryManager) Forget(runNumber int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ledger, runNumber)
}

// Exhausted reports whether the run's automatic budget ran out.
func (m *RetryManager) Exhausted(runNumber int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.ledger[runNumber]
	return ok && entry.exhausted
}

func (m *RetryManager) arm(entry *retrySchedule, now time.Time) {
	delay, stop := entry.backoff.Next()
	if stop {
		entry.spent = true
		return
	}
	entry.nextAt = now.Add(delay)
}

func (m *RetryManager) newBackoff() retry.Backoff {
	return retry.WithMaxRetries(m.cfg.MaxAttempts,
		retry.WithCappedDuration(m.cfg.MaxBackoff,
			retry.NewExponential(m.cfg.BaseBackoff)))
}

func stageLabel(state domain.WorkflowState) string {
	return strconv.Itoa(state.StepNumber())
}
