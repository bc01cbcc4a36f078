package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/platform/metrics"
)

const (
	DefaultTransferTimeout = 1 * time.Hour
	DefaultComputeTimeout  = 4 * time.Hour
)

// Reporter receives step outcomes. The transition engine satisfies it.
type Reporter interface {
	RecordTransferResult(ctx context.Context, runNumber int64, outcome domain.StepOutcome) error
	RecordComputeResult(ctx context.Context, runNumber int64, outcome domain.StepOutcome) error
}

type Config struct {
	TransferTimeout time.Duration
	ComputeTimeout  time.Duration

	// StagingDest receives tape transfers, ArchiveDest the WIPAC transfers.
	StagingDest Destination
	ArchiveDest Destination
}

func (c *Config) Validate() error {
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = DefaultTransferTimeout
	}
	if c.ComputeTimeout <= 0 {
		c.ComputeTimeout = DefaultComputeTimeout
	}
	if err := c.StagingDest.Validate(); err != nil {
		return fmt.Errorf("staging destination: %w", err)
	}
	if err := c.ArchiveDest.Validate(); err != nil {
		return fmt.Errorf("archive destination: %w", err)
	}
	return nil
}

// Executor maps a run's state to the matching capability call and reports
// the outcome. It touches no persisted state itself.
type Executor struct {
	logger   *slog.Logger
	reporter Reporter
	transfer TransferWorker
	compute  ComputeWorker
	cfg      Config
	now      func() time.Time
}

func NewExecutor(logger *slog.Logger, reporter Reporter, transfer TransferWorker, compute ComputeWorker, cfg Config) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		return nil, fmt.Errorf("outcome reporter is required")
	}
	if transfer == nil {
		return nil, fmt.Errorf("transfer worker is required")
	}
	if compute == nil {
		return nil, fmt.Errorf("compute worker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		logger:   logger.With("component", "worker"),
		reporter: reporter,
		transfer: transfer,
		compute:  compute,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// Execute runs the step matching the run's current state and reports its
// outcome to the engine. The returned error is the engine's verdict; a
// conflict means the run moved while the step was executing.
func (e *Executor) Execute(ctx context.Context, run domain.Run) error {
	if e == nil {
		return fmt.Errorf("executor not initialized")
	}
	switch run.State {
	case domain.StateTransferFromTape:
		return e.runTransfer(ctx, run, e.cfg.StagingDest)
	case domain.StateTransferWIPAC:
		return e.runTransfer(ctx, run, e.cfg.ArchiveDest)
	case domain.StateProcessStep1:
		return e.runCompute(ctx, run, domain.StepOne)
	case domain.StateProcessStep2:
		return e.runCompute(ctx, run, domain.StepTwo)
	default:
		return fmt.Errorf("run %d in state %q has no executable step", run.RunNumber, run.State)
	}
}

func (e *Executor) runTransfer(ctx context.Context, run domain.Run, dest Destination) error {
	outcome := e.call(ctx, run, e.cfg.TransferTimeout, func(callCtx context.Context) domain.StepOutcome {
		return e.transfer.Transfer(callCtx, run, dest)
	})
	return e.reporter.RecordTransferResult(ctx, run.RunNumber, outcome)
}

func (e *Executor) runCompute(ctx context.Context, run domain.Run, stepNumber int) error {
	outcome := e.call(ctx, run, e.cfg.ComputeTimeout, func(callCtx context.Context) domain.StepOutcome {
		return e.compute.Process(callCtx, run, stepNumber)
	})
	return e.reporter.RecordComputeResult(ctx, run.RunNumber, outcome)
}

// call runs one capability under its deadline. Panics and missing failure
// reasons are folded into the outcome so every attempt reports something.
func (e *Executor) call(ctx context.Context, run domain.Run, timeout time.Duration, fn func(context.Context) domain.StepOutcome) (outcome domain.StepOutcome) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := e.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			outcome = domain.StepFailure(fmt.Sprintf("step worker panicked: %v", r), started, e.now().UTC())
			e.logger.Error("step worker panicked",
				"run_number", run.RunNumber,
				"state", string(run.State),
				"panic", r,
			)
		}
		e.observe(run.State, outcome)
	}()

	outcome = fn(callCtx)
	if outcome.StartedAt.IsZero() {
		outcome.StartedAt = started
	}
	if outcome.EndedAt.IsZero() {
		outcome.EndedAt = e.now().UTC()
	}
	if !outcome.Success && outcome.Reason == "" {
		if callCtx.Err() != nil {
			outcome.Reason = "step deadline exceeded"
		} else {
			outcome.Reason = "worker reported failure without a reason"
		}
	}
	return outcome
}

func (e *Executor) observe(state domain.WorkflowState, outcome domain.StepOutcome) {
	label := "success"
	if !outcome.Success {
		label = "failure"
		metrics.StepFailuresTotal.WithLabelValues(string(state)).Inc()
	}
	metrics.StepDurationSeconds.WithLabelValues(string(state), label).
		Observe(outcome.EndedAt.Sub(outcome.StartedAt).Seconds())
}
