package dispatch

import "errors"

var (
	// ErrRunClaimed means the run has a step in flight right now.
	ErrRunClaimed = errors.New("run is claimed by an in-flight step")

	// ErrRetryExhausted means the automatic retry budget ran out and the
	// run was parked for manual intervention.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)
