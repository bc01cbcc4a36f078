package domain

import (
	"fmt"
	"time"
)

// Run is one experimental run moving through the two-stage workflow. The
// run number is assigned by the acquisition system and serves as the
// primary key; there is exactly one row per run.
type Run struct {
	RunNumber    int64         `json:"run_number"`
	FileNumber   int64         `json:"file_number"`
	RunStartDate time.Time     `json:"run_start_date"`
	State        WorkflowState `json:"state"`
	URL          string        `json:"url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields a caller controls before the run is persisted.
func (r *Run) Validate() error {
	if r.RunNumber <= 0 {
		return fmt.Errorf("run number must be positive, got %d", r.RunNumber)
	}
	if r.FileNumber < 0 {
		return fmt.Errorf("file number must not be negative, got %d", r.FileNumber)
	}
	if r.RunStartDate.IsZero() {
		return fmt.Errorf("run start date is required")
	}
	if !r.State.Valid() {
		return fmt.Errorf("invalid run state: %q", r.State)
	}
	return nil
}

// Stage reports which processing stage the run currently occupies.
func (r *Run) Stage() int {
	return r.State.StepNumber()
}
