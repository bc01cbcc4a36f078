// Package dispatch scans for runs with work to do and hands them to the
// step executor, at most one in-flight step per run. It also houses the
// automatic retry of runs parked in an error state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/engine"
	"github.com/polarscope/runflow/internal/platform/metrics"
	"github.com/polarscope/runflow/internal/repo"
)

// Engine is the slice of the transition engine the dispatcher drives.
type Engine interface {
	Dispatch(ctx context.Context, runNumber int64) error
	FinalizeStep(ctx context.Context, runNumber int64) error
	Retry(ctx context.Context, runNumber int64) error
}

// Executor runs the step matching a run's state and reports the outcome.
type Executor interface {
	Execute(ctx context.Context, run domain.Run) error
}

type DispatcherConfig struct {
	Interval   time.Duration
	PoolSize   int
	BatchLimit int
}

func (c *DispatcherConfig) Validate() error {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	return nil
}

type Dispatcher struct {
	logger *slog.Logger
	runs   repo.RunRepository
	engine Engine
	exec   Executor
	cfg    DispatcherConfig

	pool   pond.Pool
	claims *claimSet
	parks  *parkSet
}

func NewDispatcher(logger *slog.Logger, runs repo.RunRepository, eng Engine, exec Executor, cfg DispatcherConfig) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runs == nil {
		return nil, fmt.Errorf("run repository is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("transition engine is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("step executor is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		logger: logger.With("component", "dispatcher"),
		runs:   runs,
		engine: eng,
		exec:   exec,
		cfg:    cfg,
		pool:   pond.NewPool(cfg.PoolSize),
		claims: newClaimSet(),
		parks:  newParkSet(),
	}, nil
}

// Run scans until the context ends, then drains in-flight steps.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		"interval", d.cfg.Interval.String(),
		"pool_size", d.cfg.PoolSize,
	)
	for {
		select {
		case <-ctx.Done():
			d.pool.StopAndWait()
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

// Cancel parks a run: an idle run is skipped from the next scan on, an
// in-flight one only after its outcome is recorded.
func (d *Dispatcher) Cancel(runNumber int64) {
	d.parks.Park(runNumber)
	d.logger.Info("run parked", "run_number", runNumber)
}

// Uncancel lifts a park so scans pick the run up again.
func (d *Dispatcher) Uncancel(runNumber int64) {
	d.parks.Unpark(runNumber)
	d.logger.Info("run unparked", "run_number", runNumber)
}

// Cancelled reports whether the run is currently parked.
func (d *Dispatcher) Cancelled(runNumber int64) bool {
	return d.parks.Parked(runNumber)
}

// InFlight reports whether a step is executing for the run right now.
func (d *Dispatcher) InFlight(runNumber int64) bool {
	return d.claims.Held(runNumber)
}

func (d *Dispatcher) scan(ctx context.Context) {
	runs, err := d.runs.ListRuns(ctx, repo.RunFilter{
		States: domain.DispatchableStates(),
		Limit:  d.cfg.BatchLimit,
	})
	if err != nil {
		d.logScanError("list dispatchable runs failed", err)
		return
	}
	for _, run := range runs {
		d.submit(ctx, run)
	}

	d.sweepFinishing(ctx)
	d.observeStates(ctx)
}

func (d *Dispatcher) submit(ctx context.Context, run domain.Run) {
	if d.parks.Parked(run.RunNumber) {
		return
	}
	if !d.claims.TryAcquire(run.RunNumber) {
		return
	}
	metrics.DispatchInflight.Inc()
	err := d.pool.Go(func() {
		defer func() {
			d.claims.Release(run.RunNumber)
			metrics.DispatchInflight.Dec()
		}()
		d.step(ctx, run)
	})
	if err != nil {
		d.claims.Release(run.RunNumber)
		metrics.DispatchInflight.Dec()
	}
}

func (d *Dispatcher) step(ctx context.Context, run domain.Run) {
	if run.State == domain.StateNotYetStarted {
		if err := d.engine.Dispatch(ctx, run.RunNumber); err != nil {
			d.logRunError("dispatch", run, err)
			return
		}
		run.State = domain.StateTransferFromTape
	}
	if err := d.exec.Execute(ctx, run); err != nil {
		d.logRunError("execute", run, err)
	}
}

// sweepFinishing picks up runs stranded in a finish state, which only
// happens when the process died between recording a compute success and
// finalizing it.
func (d *Dispatcher) sweepFinishing(ctx context.Context) {
	runs, err := d.runs.ListRuns(ctx, repo.RunFilter{
		States: []domain.WorkflowState{domain.StateFinishStep1, domain.StateFinishStep2},
		Limit:  d.cfg.BatchLimit,
	})
	if err != nil {
		d.logScanError("list finishing runs failed", err)
		return
	}
	for _, run := range runs {
		if d.parks.Parked(run.RunNumber) || !d.claims.TryAcquire(run.RunNumber) {
			continue
		}
		run := run
		err := d.pool.Go(func() {
			defer d.claims.Release(run.RunNumber)
			if err := d.engine.FinalizeStep(ctx, run.RunNumber); err != nil {
				d.logRunError("finalize", run, err)
			} else {
				d.logger.Info("stranded finish state swept", "run_number", run.RunNumber, "state", string(run.State))
			}
		})
		if err != nil {
			d.claims.Release(run.RunNumber)
		}
	}
}

func (d *Dispatcher) observeStates(ctx context.Context) {
	counts, err := d.runs.CountRunsByState(ctx)
	if err != nil {
		d.logScanError("count runs by state failed", err)
		return
	}
	for _, state := range domain.States() {
		metrics.RunsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (d *Dispatcher) logScanError(msg string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.logger.Error(msg, "error", err)
}

func (d *Dispatcher) logRunError(operation string, run domain.Run, err error) {
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, engine.ErrStaleState):
		// Another actor moved the run first; the next scan sees the new state.
		d.logger.Debug("run moved underneath the dispatcher",
			"operation", operation,
			"run_number", run.RunNumber,
			"error", err,
		)
	case errors.Is(err, engine.ErrRunPoisoned):
		d.parks.Park(run.RunNumber)
		d.logger.Warn("poisoned run parked",
			"operation", operation,
			"run_number", run.RunNumber,
			"error", err,
		)
	default:
		d.logger.Error("step handling failed",
			"operation", operation,
			"run_number", run.RunNumber,
			"state", string(run.State),
			"error", err,
		)
	}
}
