// Package worker executes the step a dispatched run is parked in and
// reports the outcome to the transition engine. Capabilities are injected
// interfaces so deployments can swap the transfer and compute backends.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/polarscope/runflow/internal/domain"
)

// TransferWorker moves a run's payload toward dest and reports how it went.
type TransferWorker interface {
	Transfer(ctx context.Context, run domain.Run, dest Destination) domain.StepOutcome
}

// ComputeWorker runs the given processing stage over the run's payload.
type ComputeWorker interface {
	Process(ctx context.Context, run domain.Run, stepNumber int) domain.StepOutcome
}

// Destination tells a transfer where the run's payload must land.
type Destination struct {
	Bucket string
	Prefix string
}

func (d Destination) Validate() error {
	if strings.TrimSpace(d.Bucket) == "" {
		return fmt.Errorf("destination bucket is required")
	}
	return nil
}

// Key returns the payload's object key under this destination.
func (d Destination) Key(run domain.Run) string {
	return joinKey(d.Prefix, runObjectKey(run))
}

// URL renders the destination as an s3-style location string, the form
// recorded in step rows and published on completed runs.
func (d Destination) URL(run domain.Run) string {
	return fmt.Sprintf("s3://%s/%s", d.Bucket, d.Key(run))
}

// runObjectKey is the payload key relative to any bucket prefix.
func runObjectKey(run domain.Run) string {
	return fmt.Sprintf("run-%d/file-%d.tar", run.RunNumber, run.FileNumber)
}

func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
