package worker

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/polarscope/runflow/internal/domain"
)

// Simulator stands in for the external transfer and compute backends.
// Outcomes come from a deterministic hash of run, step and attempt, so a
// configured failure rate produces reproducible sequences without moving
// any real payload. Failed attempts succeed on a later retry once the
// attempt counter moves past the failing score.
type Simulator struct {
	cfg SimulatorConfig
	now func() time.Time

	mu       sync.Mutex
	attempts map[string]int
}

type SimulatorConfig struct {
	// FailureRate in [0,1); zero disables simulated failures.
	FailureRate float64
	// StepDelay adds artificial latency per call, honoring the context.
	StepDelay time.Duration

	SiteStep1    string
	SiteStep2    string
	OutputBucket string
	Seed         string
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.SiteStep1 == "" {
		cfg.SiteStep1 = "NERSC"
	}
	if cfg.SiteStep2 == "" {
		cfg.SiteStep2 = "WIPAC"
	}
	if cfg.OutputBucket == "" {
		cfg.OutputBucket = "runflow-outputs"
	}
	if cfg.FailureRate < 0 || cfg.FailureRate >= 1 {
		cfg.FailureRate = 0
	}
	return &Simulator{
		cfg:      cfg,
		now:      time.Now,
		attempts: make(map[string]int),
	}
}

func (s *Simulator) Transfer(ctx context.Context, run domain.Run, dest Destination) domain.StepOutcome {
	started := s.now().UTC()
	if err := s.wait(ctx); err != nil {
		return domain.StepFailure(fmt.Sprintf("simulated transfer interrupted: %v", err), started, s.now().UTC())
	}

	kind := "transfer:" + dest.Bucket
	attempt := s.nextAttempt(kind, run.RunNumber, 0)
	sum := s.digest(kind, run.RunNumber, 0, attempt)
	ended := s.now().UTC()
	if s.fails(sum) {
		return domain.StepFailure("simulated transfer failure", started, ended)
	}
	return domain.StepSuccess("", hex.EncodeToString(sum[:16]), dest.URL(run), started, ended)
}

func (s *Simulator) Process(ctx context.Context, run domain.Run, stepNumber int) domain.StepOutcome {
	started := s.now().UTC()
	if err := s.wait(ctx); err != nil {
		return domain.StepFailure(fmt.Sprintf("simulated compute interrupted: %v", err), started, s.now().UTC())
	}

	attempt := s.nextAttempt("compute", run.RunNumber, stepNumber)
	sum := s.digest("compute", run.RunNumber, stepNumber, attempt)
	ended := s.now().UTC()
	if s.fails(sum) {
		return domain.StepFailure("simulated compute failure", started, ended)
	}

	site := s.cfg.SiteStep1
	if stepNumber == domain.StepTwo {
		site = s.cfg.SiteStep2
	}
	location := fmt.Sprintf("s3://%s/run-%d/step-%d.out", s.cfg.OutputBucket, run.RunNumber, stepNumber)
	return domain.StepSuccess(site, hex.EncodeToString(sum[:16]), location, started, ended)
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.cfg.StepDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.cfg.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Simulator) nextAttempt(kind string, runNumber int64, stepNumber int) int {
	key := fmt.Sprintf("%s/%d/%d", kind, runNumber, stepNumber)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[key]++
	return s.attempts[key]
}

func (s *Simulator) digest(kind string, runNumber int64, stepNumber, attempt int) [32]byte {
	seed := fmt.Sprintf("%s:%s:%d:%d:%d", s.cfg.Seed, kind, runNumber, stepNumber, attempt)
	return sha256.Sum256([]byte(seed))
}

func (s *Simulator) fails(sum [32]byte) bool {
	if s.cfg.FailureRate <= 0 {
		return false
	}
	score := float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
	return score < s.cfg.FailureRate
}
