package reporter

import "errors"

var (
	// ErrInvalidControl is returned for a malformed brightness command.
	ErrInvalidControl = errors.New("reporter: invalid control payload")

	// ErrSignalRead is wrapped around a failed signal source read.
	ErrSignalRead = errors.New("reporter: reading signals failed")
)
