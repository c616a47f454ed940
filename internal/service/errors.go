package service

import "errors"

var (
	// ErrCredentials wraps a certificate load failure. Start never connects
	// without a complete credential bundle.
	ErrCredentials = errors.New("service: loading credentials failed")

	// ErrUnknownSignalSource is returned for a signals.source the build does not support.
	ErrUnknownSignalSource = errors.New("service: unknown signal source")
)
