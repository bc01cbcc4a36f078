package worker

import (
	"context"
	"testing"
	"time"

	"github.com/polarscope/runflow/internal/domain"
)

func TestSimulatorDeterministic(t *testing.T) {
	cfg := SimulatorConfig{FailureRate: 0.5, Seed: "fixed"}
	run := testRun(domain.StateProcessStep1)
	dest := Destination{Bucket: "staging"}

	first := NewSimulator(cfg)
	second := NewSimulator(cfg)
	for i := 0; i < 10; i++ {
		a := first.Transfer(context.Background(), run, dest)
		b := second.Transfer(context.Background(), run, dest)
		if a.Success != b.Success {
			t.Fatalf("attempt %d: expected identical verdicts, got %v vs %v", i+1, a.Success, b.Success)
		}
		if a.Checksum != b.Checksum {
			t.Fatalf("attempt %d: expected identical checksums, got %s vs %s", i+1, a.Checksum, b.Checksum)
		}
	}
}

func TestSimulatorAttemptsAdvance(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Seed: "fixed"})
	run := testRun(domain.StateProcessStep1)

	first := sim.Process(context.Background(), run, domain.StepOne)
	second := sim.Process(context.Background(), run, domain.StepOne)
	if first.Checksum == second.Checksum {
		t.Fatalf("expected per-attempt checksums to differ, both were %s", first.Checksum)
	}
}

func TestSimulatorZeroFailureRateAlwaysSucceeds(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	run := testRun(domain.StateProcessStep1)
	dest := Destination{Bucket: "staging"}

	for i := 0; i < 20; i++ {
		if out := sim.Transfer(context.Background(), run, dest); !out.Success {
			t.Fatalf("attempt %d: unexpected failure: %s", i+1, out.Reason)
		}
		if out := sim.Process(context.Background(), run, domain.StepTwo); !out.Success {
			t.Fatalf("attempt %d: unexpected compute failure: %s", i+1, out.Reason)
		}
	}
}

func TestSimulatorSitePerStep(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	run := testRun(domain.StateProcessStep1)

	one := sim.Process(context.Background(), run, domain.StepOne)
	two := sim.Process(context.Background(), run, domain.StepTwo)
	if one.Site != "NERSC" {
		t.Fatalf("expected step 1 site NERSC, got %q", one.Site)
	}
	if two.Site != "WIPAC" {
		t.Fatalf("expected step 2 site WIPAC, got %q", two.Site)
	}
	if one.Location == "" || two.Location == "" {
		t.Fatalf("expected output locations, got %q and %q", one.Location, two.Location)
	}
}

func TestSimulatorHonorsCancellation(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{StepDelay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := sim.Transfer(ctx, testRun(domain.StateTransferFromTape), Destination{Bucket: "staging"})
	if out.Success {
		t.Fatal("expected a cancelled transfer to fail")
	}
	if out.Reason == "" {
		t.Fatal("expected a cancellation reason")
	}
}
