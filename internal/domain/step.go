package domain

import (
	"fmt"
	"time"
)

// Step numbers for the two processing stages.
const (
	StepOne = 1
	StepTwo = 2
)

// ProcessingStep records one stage of one run. A run owns at most one row
// per step number; timestamps and provenance fill in as the stage executes.
type ProcessingStep struct {
	ID         string `json:"id"`
	RunNumber  int64  `json:"run_number"`
	StepNumber int    `json:"step_number"`

	StartedDate *time.Time `json:"started_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`

	Site     string `json:"site,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Location string `json:"location,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks step identity fields before the row is persisted.
func (s *ProcessingStep) Validate() error {
	if s.RunNumber <= 0 {
		return fmt.Errorf("run number must be positive, got %d", s.RunNumber)
	}
	if s.StepNumber != StepOne && s.StepNumber != StepTwo {
		return fmt.Errorf("step number must be %d or %d, got %d", StepOne, StepTwo, s.StepNumber)
	}
	if s.StartedDate != nil && s.EndDate != nil && s.EndDate.Before(*s.StartedDate) {
		return fmt.Errorf("step %d of run %d ends before it starts", s.StepNumber, s.RunNumber)
	}
	return nil
}

// Finished reports whether the stage has a recorded end date.
func (s *ProcessingStep) Finished() bool {
	return s.EndDate != nil
}

// Duration returns how long the stage ran, when both timestamps are set.
func (s *ProcessingStep) Duration() (time.Duration, bool) {
	if s.StartedDate == nil || s.EndDate == nil {
		return 0, false
	}
	return s.EndDate.Sub(*s.StartedDate), true
}
