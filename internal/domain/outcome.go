package domain

import "time"

// StepOutcome is the typed result an external transfer or compute call
// reports back. Failures carry a reason instead of provenance; both carry
// the attempt window.
type StepOutcome struct {
	Success   bool      `json:"success"`
	Site      string    `json:"site,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	Location  string    `json:"location,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

func StepSuccess(site, checksum, location string, startedAt, endedAt time.Time) StepOutcome {
	return StepOutcome{
		Success:   true,
		Site:      site,
		Checksum:  checksum,
		Location:  location,
		StartedAt: startedAt,
		EndedAt:   endedAt,
	}
}

func StepFailure(reason string, startedAt, endedAt time.Time) StepOutcome {
	return StepOutcome{
		Reason:    reason,
		StartedAt: startedAt,
		EndedAt:   endedAt,
	}
}
