package repo

import "errors"

var (
	// ErrNotFound is returned when a run or step does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when registering a run number that is
	// already tracked.
	ErrAlreadyExists = errors.New("already exists")
)
